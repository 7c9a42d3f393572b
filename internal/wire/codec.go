package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/knotprotocol/knot/internal/types"
)

// Encode frames a Message as a length-prefixed binary record: a 4-byte
// big-endian length, then a 1-byte kind tag followed by the variant's
// encoding. The length prefix delimits records on a stream;
// Encode/Decode handle one record per call.
func Encode(w io.Writer, m Message) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Kind))

	var err error
	switch m.Kind {
	case KindNodeInfo:
		err = encodeNodeInfo(&buf, *m.NodeInfo)
	case KindInventory:
		err = encodeInventory(&buf, *m.Inventory)
	case KindRefs:
		err = encodeRefs(&buf, *m.Refs)
	case KindSubscribe:
		err = encodeSubscribe(&buf, *m.Subscribe)
	case KindPing:
		err = encodePing(&buf, *m.Ping)
	case KindPong:
		err = encodePong(&buf, *m.Pong)
	default:
		return ErrUnknownKind
	}
	if err != nil {
		return err
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(buf.Len()))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Decode reads exactly one length-prefixed record from r.
func Decode(r io.Reader) (Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(length[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	buf := bytes.NewReader(body)
	kindByte, err := buf.ReadByte()
	if err != nil {
		return Message{}, err
	}
	kind := Kind(kindByte)

	switch kind {
	case KindNodeInfo:
		ni, err := decodeNodeInfo(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, NodeInfo: &ni}, nil
	case KindInventory:
		inv, err := decodeInventory(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Inventory: &inv}, nil
	case KindRefs:
		refs, err := decodeRefs(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Refs: &refs}, nil
	case KindSubscribe:
		sub, err := decodeSubscribe(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Subscribe: &sub}, nil
	case KindPing:
		ping, err := decodePing(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Ping: &ping}, nil
	case KindPong:
		pong, err := decodePong(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: kind, Pong: &pong}, nil
	default:
		return Message{}, ErrUnknownKind
	}
}

func writeString(buf *bytes.Buffer, s string) {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var length [2]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(length[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeNodeID(buf *bytes.Buffer, id types.NodeID) {
	writeString(buf, id.String())
}

func readNodeID(r *bytes.Reader) (types.NodeID, error) {
	s, err := readString(r)
	if err != nil {
		return types.NodeID{}, err
	}
	if s == "" {
		return types.NodeID{}, nil
	}
	return types.ParseNodeID(s)
}

func writeRepoID(buf *bytes.Buffer, id types.RepoID) {
	writeString(buf, id.String())
}

func readRepoID(r *bytes.Reader) (types.RepoID, error) {
	s, err := readString(r)
	if err != nil {
		return types.RepoID{}, err
	}
	return types.ParseRepoID(s)
}

func writeTimestamp(buf *bytes.Buffer, ts types.Timestamp) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts))
	buf.Write(b[:])
}

func readTimestamp(r *bytes.Reader) (types.Timestamp, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return types.Timestamp(binary.BigEndian.Uint64(b[:])), nil
}

func writeAddress(buf *bytes.Buffer, a types.Address) {
	buf.WriteByte(byte(a.Kind))
	writeString(buf, a.Host)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], a.Port)
	buf.Write(port[:])
}

func readAddress(r *bytes.Reader) (types.Address, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return types.Address{}, err
	}
	host, err := readString(r)
	if err != nil {
		return types.Address{}, err
	}
	var port [2]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return types.Address{}, err
	}
	return types.Address{
		Kind: types.HostKind(kindByte),
		Host: host,
		Port: binary.BigEndian.Uint16(port[:]),
	}, nil
}

func encodeNodeInfoPayload(n NodeInfo) []byte {
	var buf bytes.Buffer
	writeNodeID(&buf, n.Author)
	var features [8]byte
	binary.BigEndian.PutUint64(features[:], uint64(n.Features))
	buf.Write(features[:])
	buf.WriteByte(byte(len(n.Addresses)))
	for _, a := range n.Addresses {
		writeAddress(&buf, a)
	}
	buf.Write(n.Alias[:])
	var work [8]byte
	binary.BigEndian.PutUint64(work[:], n.Work)
	buf.Write(work[:])
	writeTimestamp(&buf, n.Timestamp)
	return buf.Bytes()
}

func encodeNodeInfo(buf *bytes.Buffer, n NodeInfo) error {
	if len(n.Addresses) > types.AddressLimit {
		return ErrTooManyAddresses
	}
	buf.Write(encodeNodeInfoPayload(n))
	writeBytes(buf, n.Sig)
	return nil
}

func decodeNodeInfo(r *bytes.Reader) (NodeInfo, error) {
	var n NodeInfo
	author, err := readNodeID(r)
	if err != nil {
		return n, err
	}
	var features [8]byte
	if _, err := io.ReadFull(r, features[:]); err != nil {
		return n, err
	}
	count, err := r.ReadByte()
	if err != nil {
		return n, err
	}
	if int(count) > types.AddressLimit {
		return n, ErrTooManyAddresses
	}
	addrs := make([]types.Address, 0, count)
	for i := 0; i < int(count); i++ {
		a, err := readAddress(r)
		if err != nil {
			return n, err
		}
		addrs = append(addrs, a)
	}
	var alias Alias
	if _, err := io.ReadFull(r, alias[:]); err != nil {
		return n, err
	}
	var work [8]byte
	if _, err := io.ReadFull(r, work[:]); err != nil {
		return n, err
	}
	ts, err := readTimestamp(r)
	if err != nil {
		return n, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return n, err
	}
	n = NodeInfo{
		Author:    author,
		Features:  types.Features(binary.BigEndian.Uint64(features[:])),
		Addresses: addrs,
		Alias:     alias,
		Work:      binary.BigEndian.Uint64(work[:]),
		Timestamp: ts,
		Sig:       sig,
	}
	return n, nil
}

func encodeInventoryPayload(inv Inventory) []byte {
	var buf bytes.Buffer
	writeNodeID(&buf, inv.Author)
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(inv.Repos)))
	buf.Write(count[:])
	for _, r := range inv.Repos {
		writeRepoID(&buf, r)
	}
	writeTimestamp(&buf, inv.Timestamp)
	return buf.Bytes()
}

func encodeInventory(buf *bytes.Buffer, inv Inventory) error {
	if len(inv.Repos) > InventoryLimit {
		return ErrTooManyRepos
	}
	buf.Write(encodeInventoryPayload(inv))
	writeBytes(buf, inv.Sig)
	return nil
}

func decodeInventory(r *bytes.Reader) (Inventory, error) {
	var inv Inventory
	author, err := readNodeID(r)
	if err != nil {
		return inv, err
	}
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return inv, err
	}
	n := binary.BigEndian.Uint32(count[:])
	if n > InventoryLimit {
		return inv, ErrTooManyRepos
	}
	repos := make([]types.RepoID, 0, n)
	for i := uint32(0); i < n; i++ {
		id, err := readRepoID(r)
		if err != nil {
			return inv, err
		}
		repos = append(repos, id)
	}
	ts, err := readTimestamp(r)
	if err != nil {
		return inv, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return inv, err
	}
	inv = Inventory{Author: author, Repos: repos, Timestamp: ts, Sig: sig}
	return inv, nil
}

func encodeRefsPayload(refs Refs) []byte {
	var buf bytes.Buffer
	writeNodeID(&buf, refs.Author)
	writeRepoID(&buf, refs.Repo)
	buf.WriteByte(byte(len(refs.Remotes)))
	for _, sr := range refs.Remotes {
		writeNodeID(&buf, sr.Remote)
		var count [2]byte
		binary.BigEndian.PutUint16(count[:], uint16(len(sr.Refs)))
		buf.Write(count[:])
		for name, oid := range sr.Refs {
			writeString(&buf, name)
			writeString(&buf, oid)
		}
		writeBytes(&buf, sr.Sig)
	}
	writeTimestamp(&buf, refs.Timestamp)
	return buf.Bytes()
}

func encodeRefs(buf *bytes.Buffer, refs Refs) error {
	if len(refs.Remotes) > RefRemoteLimit {
		return ErrTooManyRemotes
	}
	buf.Write(encodeRefsPayload(refs))
	writeBytes(buf, refs.Sig)
	return nil
}

func decodeRefs(r *bytes.Reader) (Refs, error) {
	var refs Refs
	author, err := readNodeID(r)
	if err != nil {
		return refs, err
	}
	repo, err := readRepoID(r)
	if err != nil {
		return refs, err
	}
	count, err := r.ReadByte()
	if err != nil {
		return refs, err
	}
	if int(count) > RefRemoteLimit {
		return refs, ErrTooManyRemotes
	}
	remotes := make([]SignedRefs, 0, count)
	for i := 0; i < int(count); i++ {
		remote, err := readNodeID(r)
		if err != nil {
			return refs, err
		}
		var refCount [2]byte
		if _, err := io.ReadFull(r, refCount[:]); err != nil {
			return refs, err
		}
		n := binary.BigEndian.Uint16(refCount[:])
		m := make(map[string]string, n)
		for j := uint16(0); j < n; j++ {
			name, err := readString(r)
			if err != nil {
				return refs, err
			}
			oid, err := readString(r)
			if err != nil {
				return refs, err
			}
			m[name] = oid
		}
		sig, err := readBytes(r)
		if err != nil {
			return refs, err
		}
		remotes = append(remotes, SignedRefs{Remote: remote, Refs: m, Sig: sig})
	}
	ts, err := readTimestamp(r)
	if err != nil {
		return refs, err
	}
	sig, err := readBytes(r)
	if err != nil {
		return refs, err
	}
	refs = Refs{Author: author, Repo: repo, Remotes: remotes, Timestamp: ts, Sig: sig}
	return refs, nil
}

func encodeSubscribe(buf *bytes.Buffer, sub Subscribe) error {
	writeBytes(buf, sub.Filter)
	writeTimestamp(buf, sub.Since)
	writeTimestamp(buf, sub.Until)
	return nil
}

func decodeSubscribe(r *bytes.Reader) (Subscribe, error) {
	filter, err := readBytes(r)
	if err != nil {
		return Subscribe{}, err
	}
	since, err := readTimestamp(r)
	if err != nil {
		return Subscribe{}, err
	}
	until, err := readTimestamp(r)
	if err != nil {
		return Subscribe{}, err
	}
	return Subscribe{Filter: filter, Since: since, Until: until}, nil
}

func encodePing(buf *bytes.Buffer, p Ping) error {
	if int(p.PongLen) > MaxPongZeroes {
		return ErrPongTooLarge
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p.PongLen)
	buf.Write(b[:])
	return nil
}

func decodePing(r *bytes.Reader) (Ping, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Ping{}, err
	}
	return Ping{PongLen: binary.BigEndian.Uint16(b[:])}, nil
}

func encodePong(buf *bytes.Buffer, p Pong) error {
	if len(p.Zeroes) > MaxPongZeroes {
		return ErrPongTooLarge
	}
	writeBytes(buf, p.Zeroes)
	return nil
}

func decodePong(r *bytes.Reader) (Pong, error) {
	zeroes, err := readBytes(r)
	if err != nil {
		return Pong{}, err
	}
	if len(zeroes) > MaxPongZeroes {
		return Pong{}, ErrPongTooLarge
	}
	return Pong{Zeroes: zeroes}, nil
}

// NewPong builds the zero-filled reply to a Ping.
func NewPong(ping Ping) Pong {
	return Pong{Zeroes: make([]byte, ping.PongLen)}
}

// MatchesPing reports whether a Pong correctly answers an outstanding ping
// of the given expected length (spec §4.F).
func (p Pong) MatchesPing(expectedLen uint16) bool {
	return len(p.Zeroes) == int(expectedLen)
}
