package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// ErrDecode is wrapped by every decoding failure.
var ErrDecode = errors.New("decode error")

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// --- primitive writers / readers ---

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	e.buf.Write(b[:])
}

func (e *encoder) str(s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("string of %d bytes exceeds %d", len(s), MaxStringLen)
	}
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
	return nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) remaining() int {
	return len(d.data) - d.off
}

func (d *decoder) u32(field string) (uint32, error) {
	if d.remaining() < 4 {
		return 0, decodeErr("truncated %s", field)
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) i64(field string) (int64, error) {
	if d.remaining() < 8 {
		return 0, decodeErr("truncated %s", field)
	}
	v := int64(binary.BigEndian.Uint64(d.data[d.off:]))
	d.off += 8
	return v, nil
}

func (d *decoder) bytes(n int, field string) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, decodeErr("truncated %s: want %d bytes, have %d", field, n, d.remaining())
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) str(field string) (string, error) {
	n, err := d.u32(field + " length")
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", decodeErr("%s length %d exceeds %d", field, n, MaxStringLen)
	}
	b, err := d.bytes(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) version() error {
	v, err := d.u32("version")
	if err != nil {
		return err
	}
	if v != Version {
		return decodeErr("unsupported version %d", v)
	}
	return nil
}

func (d *decoder) end() error {
	if d.remaining() != 0 {
		return decodeErr("%d trailing bytes", d.remaining())
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// --- PeerDescriptor ---

// MarshalPeer encodes VERSION | ADDR | PORT | NAME | LASTSEEN, strings being
// 4-byte length prefixed.
func MarshalPeer(p PeerDescriptor) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var e encoder
	e.u32(Version)
	if err := e.str(p.Address); err != nil {
		return nil, fmt.Errorf("peer address: %w", err)
	}
	e.u32(uint32(p.Port))
	if err := e.str(p.Name); err != nil {
		return nil, fmt.Errorf("peer name: %w", err)
	}
	e.i64(toMillis(p.LastSeen))
	return e.buf.Bytes(), nil
}

func UnmarshalPeer(data []byte) (PeerDescriptor, error) {
	d := decoder{data: data}
	if err := d.version(); err != nil {
		return PeerDescriptor{}, err
	}
	addr, err := d.str("address")
	if err != nil {
		return PeerDescriptor{}, err
	}
	port, err := d.u32("port")
	if err != nil {
		return PeerDescriptor{}, err
	}
	name, err := d.str("name")
	if err != nil {
		return PeerDescriptor{}, err
	}
	lastSeen, err := d.i64("last seen")
	if err != nil {
		return PeerDescriptor{}, err
	}
	if err := d.end(); err != nil {
		return PeerDescriptor{}, err
	}
	if port > maxPortNumber {
		return PeerDescriptor{}, decodeErr("port %d out of range", port)
	}

	p := NewPeerDescriptor(addr, int(port), name, fromMillis(lastSeen))
	if err := p.Validate(); err != nil {
		return PeerDescriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return p, nil
}

// --- FileDescriptor ---

// MarshalFile encodes MAGIC | VERSION | NAME | SIZE | CHECKSUM | TIMESTAMP | CRC32,
// the CRC covering every preceding byte.
func MarshalFile(f FileDescriptor) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var e encoder
	e.u32(FileMagic)
	e.u32(Version)
	if err := e.str(f.Name); err != nil {
		return nil, fmt.Errorf("file name: %w", err)
	}
	e.i64(f.Size)
	if err := e.str(f.Checksum); err != nil {
		return nil, fmt.Errorf("file checksum: %w", err)
	}
	e.i64(toMillis(f.Timestamp))
	e.u32(crc32.ChecksumIEEE(e.buf.Bytes()))
	return e.buf.Bytes(), nil
}

func UnmarshalFile(data []byte) (FileDescriptor, error) {
	if len(data) < 4 {
		return FileDescriptor{}, decodeErr("file record of %d bytes", len(data))
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if want, got := binary.BigEndian.Uint32(trailer), crc32.ChecksumIEEE(body); want != got {
		return FileDescriptor{}, decodeErr("crc mismatch: record %08x, computed %08x", want, got)
	}

	d := decoder{data: body}
	magic, err := d.u32("magic")
	if err != nil {
		return FileDescriptor{}, err
	}
	if magic != FileMagic {
		return FileDescriptor{}, decodeErr("bad magic %08x", magic)
	}
	if err := d.version(); err != nil {
		return FileDescriptor{}, err
	}
	name, err := d.str("name")
	if err != nil {
		return FileDescriptor{}, err
	}
	size, err := d.i64("size")
	if err != nil {
		return FileDescriptor{}, err
	}
	checksum, err := d.str("checksum")
	if err != nil {
		return FileDescriptor{}, err
	}
	ts, err := d.i64("timestamp")
	if err != nil {
		return FileDescriptor{}, err
	}
	if err := d.end(); err != nil {
		return FileDescriptor{}, err
	}
	if size < 0 {
		return FileDescriptor{}, decodeErr("negative size %d", size)
	}
	return FileDescriptor{Name: name, Size: size, Checksum: checksum, Timestamp: fromMillis(ts)}, nil
}

// --- lists ---

// encodeList writes COUNT then LEN|DATA per element. An element that cannot be
// encoded is written as a null (zero length) element.
func encodeList[T any](items []T, maxRecord int, marshal func(T) ([]byte, error)) ([]byte, error) {
	if len(items) > MaxListCount {
		return nil, fmt.Errorf("list of %d elements exceeds %d", len(items), MaxListCount)
	}
	var e encoder
	e.u32(uint32(len(items)))
	for i, item := range items {
		data, err := marshal(item)
		if err == nil && len(data) > maxRecord {
			err = fmt.Errorf("record of %d bytes exceeds %d", len(data), maxRecord)
		}
		if err != nil {
			logger.Sugar.Warnf("[Codec] element written as null: index=%d err=%v", i, err)
			e.u32(0)
			continue
		}
		e.u32(uint32(len(data)))
		e.buf.Write(data)
	}
	return e.buf.Bytes(), nil
}

// decodeList is the inverse of encodeList. Null elements and elements that fail
// to decode are skipped; a bounds violation fails the whole list.
func decodeList[T any](data []byte, maxRecord int, unmarshal func([]byte) (T, error)) ([]T, error) {
	d := decoder{data: data}
	count, err := d.u32("count")
	if err != nil {
		return nil, err
	}
	if count > MaxListCount {
		return nil, decodeErr("list count %d exceeds %d", count, MaxListCount)
	}

	items := make([]T, 0, count)
	for i := 0; i < int(count); i++ {
		n, err := d.u32("element length")
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		if n > uint32(maxRecord) {
			return nil, decodeErr("element %d length %d exceeds %d", i, n, maxRecord)
		}
		raw, err := d.bytes(int(n), "element")
		if err != nil {
			return nil, err
		}
		item, err := unmarshal(raw)
		if err != nil {
			logger.Sugar.Warnf("[Codec] skipping corrupt element: index=%d err=%v", i, err)
			continue
		}
		items = append(items, item)
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return items, nil
}

func EncodePeers(peers []PeerDescriptor) ([]byte, error) {
	return encodeList(peers, MaxPeerRecord, MarshalPeer)
}

// DecodePeers accepts the binary list form as well as the JSON array form.
func DecodePeers(data []byte) ([]PeerDescriptor, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		return UnmarshalPeersJSON(trimmed)
	}
	return decodeList(data, MaxPeerRecord, UnmarshalPeer)
}

func EncodeFiles(files []FileDescriptor) ([]byte, error) {
	return encodeList(files, MaxFileRecord, MarshalFile)
}

func DecodeFiles(data []byte) ([]FileDescriptor, error) {
	return decodeList(data, MaxFileRecord, UnmarshalFile)
}

// --- JSON form of PeerDescriptor ---

type peerJSON struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	LastSeen int64  `json:"last_seen"`
}

func (p PeerDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(peerJSON{
		Address:  p.Address,
		Port:     p.Port,
		Name:     p.Name,
		LastSeen: toMillis(p.LastSeen),
	})
}

func (p *PeerDescriptor) UnmarshalJSON(data []byte) error {
	var raw peerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Address) > MaxStringLen || len(raw.Name) > MaxStringLen {
		return decodeErr("peer string field exceeds %d bytes", MaxStringLen)
	}
	if raw.Port < 0 || raw.Port > math.MaxUint16 {
		return decodeErr("port %d out of range", raw.Port)
	}
	*p = NewPeerDescriptor(raw.Address, raw.Port, raw.Name, fromMillis(raw.LastSeen))
	return nil
}

func MarshalPeersJSON(peers []PeerDescriptor) ([]byte, error) {
	if peers == nil {
		peers = []PeerDescriptor{}
	}
	return json.Marshal(peers)
}

// UnmarshalPeersJSON decodes a JSON array of peers. Invalid entries are skipped.
func UnmarshalPeersJSON(data []byte) ([]PeerDescriptor, error) {
	if len(data) > MaxBlobSize {
		return nil, decodeErr("json payload of %d bytes exceeds %d", len(data), MaxBlobSize)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) > MaxListCount {
		return nil, decodeErr("list count %d exceeds %d", len(raw), MaxListCount)
	}
	peers := make([]PeerDescriptor, 0, len(raw))
	for i, msg := range raw {
		if bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
			continue
		}
		var p PeerDescriptor
		if err := json.Unmarshal(msg, &p); err != nil {
			logger.Sugar.Warnf("[Codec] skipping corrupt json element: index=%d err=%v", i, err)
			continue
		}
		if err := p.Validate(); err != nil {
			logger.Sugar.Warnf("[Codec] skipping invalid json element: index=%d err=%v", i, err)
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}
