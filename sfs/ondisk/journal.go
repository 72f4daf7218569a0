package ondisk

import "encoding/binary"

// Container-level record type codes (allowable range 0-127).
const (
	JphysInvalid = 0
	JphysPad     = 1
	JphysTrim    = 2
)

// Record type code classes.
const (
	ClassContainer = 0
	ClassClient    = 1
)

// Client record types, in on-disk enum order — this order is part of the
// wire format and must not change.
const (
	RTxBegin = iota
	RTxCommit
	RFreemapCapture
	RFreemapRelease
	RMetaUpdate
	RUserBlockWrite
)

// HeaderSize is the size in bytes of a journal record header.
const HeaderSize = 8

// Coninfo is the bit-packed container-level word carried by every journal
// record header: a 1-bit class, 7-bit type, 8-bit length-in-halfwords and
// 48-bit LSN, matching SFS_MKCONINFO/SFS_CONINFO_* in the original format.
type Coninfo uint64

// MakeConinfo packs class/type/length/lsn into a Coninfo word. length is
// the record's total byte length, header included; it is rounded up to
// the nearest 2-octet unit the same way the original SFS_MKCONINFO macro
// does: (len+1)/2.
func MakeConinfo(class, typ uint8, length int, lsn uint64) Coninfo {
	halfwords := uint64((length + 1) / 2)
	return Coninfo(uint64(class&1)<<63 | uint64(typ&0x7f)<<56 | halfwords<<48 | (lsn & 0xffffffffffff))
}

func (c Coninfo) Class() uint8   { return uint8(c >> 63) }
func (c Coninfo) Type() uint8    { return uint8((c >> 56) & 0x7f) }
func (c Coninfo) Len() int       { return int((c>>48)&0xff) * 2 }
func (c Coninfo) LSN() uint64    { return uint64(c) & 0xffffffffffff }
func (c Coninfo) IsEmpty() bool  { return c == 0 }

// EncodeHeader writes the 8-byte record header.
func EncodeHeader(c Coninfo) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf, uint64(c))
	return buf
}

// DecodeHeader reads an 8-byte record header.
func DecodeHeader(buf []byte) Coninfo {
	return Coninfo(binary.BigEndian.Uint64(buf[:HeaderSize]))
}

// TrimPayload is the payload of an SFS_JPHYS_TRIM container record.
type TrimPayload struct {
	TailLSN uint64
}

func (t TrimPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, t.TailLSN)
	return buf
}

func DecodeTrimPayload(buf []byte) TrimPayload {
	return TrimPayload{TailLSN: binary.BigEndian.Uint64(buf[:8])}
}

// TxPayload is the payload of R_TX_BEGIN/R_TX_COMMIT: just the id of the
// transaction starting or ending.
type TxPayload struct {
	TxID uint32
}

func (t TxPayload) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, t.TxID)
	return buf
}

func DecodeTxPayload(buf []byte) TxPayload {
	return TxPayload{TxID: binary.BigEndian.Uint32(buf[:4])}
}

// FreemapUpdate is the payload shared by R_FREEMAP_CAPTURE/R_FREEMAP_RELEASE.
type FreemapUpdate struct {
	TxID  uint32
	Block uint32
}

func (f FreemapUpdate) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], f.TxID)
	binary.BigEndian.PutUint32(buf[4:8], f.Block)
	return buf
}

func DecodeFreemapUpdate(buf []byte) FreemapUpdate {
	return FreemapUpdate{
		TxID:  binary.BigEndian.Uint32(buf[0:4]),
		Block: binary.BigEndian.Uint32(buf[4:8]),
	}
}

// MetaUpdate is the payload of R_META_UPDATE: an in-place byte range patch
// to a metadata block, carrying both the old and new bytes so the record
// can be undone as well as redone.
type MetaUpdate struct {
	TxID     uint32
	Block    uint32
	Pos      uint32
	Len      uint32
	OldValue [MaxMetaUpdateSize]byte
	NewValue [MaxMetaUpdateSize]byte
}

func (m MetaUpdate) Encode() []byte {
	buf := make([]byte, 16+2*MaxMetaUpdateSize)
	binary.BigEndian.PutUint32(buf[0:4], m.TxID)
	binary.BigEndian.PutUint32(buf[4:8], m.Block)
	binary.BigEndian.PutUint32(buf[8:12], m.Pos)
	binary.BigEndian.PutUint32(buf[12:16], m.Len)
	copy(buf[16:16+MaxMetaUpdateSize], m.OldValue[:])
	copy(buf[16+MaxMetaUpdateSize:16+2*MaxMetaUpdateSize], m.NewValue[:])
	return buf
}

func DecodeMetaUpdate(buf []byte) MetaUpdate {
	var m MetaUpdate
	m.TxID = binary.BigEndian.Uint32(buf[0:4])
	m.Block = binary.BigEndian.Uint32(buf[4:8])
	m.Pos = binary.BigEndian.Uint32(buf[8:12])
	m.Len = binary.BigEndian.Uint32(buf[12:16])
	copy(m.OldValue[:], buf[16:16+MaxMetaUpdateSize])
	copy(m.NewValue[:], buf[16+MaxMetaUpdateSize:16+2*MaxMetaUpdateSize])
	return m
}

// UserBlockWrite is the payload of R_USER_BLOCK_WRITE: the block number and
// a checksum of the data written, so recovery can tell whether the on-disk
// copy is stale.
type UserBlockWrite struct {
	TxID     uint32
	Block    uint32
	Checksum uint32
}

func (u UserBlockWrite) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], u.TxID)
	binary.BigEndian.PutUint32(buf[4:8], u.Block)
	binary.BigEndian.PutUint32(buf[8:12], u.Checksum)
	return buf
}

func DecodeUserBlockWrite(buf []byte) UserBlockWrite {
	return UserBlockWrite{
		TxID:     binary.BigEndian.Uint32(buf[0:4]),
		Block:    binary.BigEndian.Uint32(buf[4:8]),
		Checksum: binary.BigEndian.Uint32(buf[8:12]),
	}
}

// UserDataChecksum computes the R_USER_BLOCK_WRITE checksum: a modified
// Fletcher checksum over exactly one block of data, pairing two rolling
// 16-bit sums modulo 2^16-1.
func UserDataChecksum(data []byte) uint32 {
	var sum1, sum2 uint32
	const mask = (1 << 16) - 1
	for i := 0; i < BlockSize; i++ {
		var b byte
		if i < len(data) {
			b = data[i]
		}
		sum1 = (sum1 + uint32(b)) % mask
		sum2 = (sum2 + sum1) % mask
	}
	return (sum2 << 16) | sum1
}
