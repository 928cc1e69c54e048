// Package metainfo parses .torrent files into a typed tree and derives
// the info-hash used to identify a torrent on the wire.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/anteater/leech/bencode"
)

// ErrorKind classifies why a metainfo file failed to parse.
type ErrorKind int

const (
	MissingKey ErrorKind = iota
	WrongType
	EmptyPieces
	BadPieceLength
)

func (k ErrorKind) String() string {
	switch k {
	case MissingKey:
		return "missing key"
	case WrongType:
		return "wrong type"
	case EmptyPieces:
		return "empty pieces"
	case BadPieceLength:
		return "bad piece length"
	default:
		return "metainfo error"
	}
}

// Error reports a fatal problem parsing a .torrent file.
type Error struct {
	Kind  ErrorKind
	Field string
}

func (e *Error) Error() string {
	return fmt.Sprintf("metainfo: %s: %s", e.Kind, e.Field)
}

// FileInfo is one entry of a multi-file torrent.
type FileInfo struct {
	Length int64
	Path   []string
}

// Info is the parsed `info` sub-dictionary. Raw holds its exact
// bencoded bytes so the info-hash can be recomputed without depending
// on re-encoding parity.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes
	Length      int64  // single-file mode; zero in multi-file mode
	Files       []FileInfo
	Raw         []byte
}

// MultiFile reports whether this torrent describes more than one file.
func (i Info) MultiFile() bool { return len(i.Files) > 0 }

// NumPieces returns the number of pieces implied by Pieces.
func (i Info) NumPieces() int { return len(i.Pieces) / 20 }

// PieceHash returns the published SHA-1 hash for a given piece index.
func (i Info) PieceHash(index int) [20]byte {
	var h [20]byte
	copy(h[:], i.Pieces[index*20:index*20+20])
	return h
}

// Torrent is the parsed contents of a .torrent file.
type Torrent struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64
	URLList      []string

	Info       Info
	InfoHash   [20]byte
	TotalSize  int64
}

// Parse decodes a bencoded .torrent blob into a Torrent.
func Parse(data []byte) (*Torrent, error) {
	top, err := bencode.DecodeFull(data)
	if err != nil {
		return nil, err
	}
	if top.Type != bencode.TypeDict {
		return nil, &Error{Kind: WrongType, Field: "<top level>"}
	}

	announce, ok := top.Get("announce")
	if !ok || announce.Type != bencode.TypeBytes {
		return nil, &Error{Kind: MissingKey, Field: "announce"}
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Type != bencode.TypeDict {
		return nil, &Error{Kind: MissingKey, Field: "info"}
	}

	rawInfo, err := rawBencodeOf(data, "info")
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(infoVal, rawInfo)
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		Announce: string(announce.Bytes),
		Info:     info,
		InfoHash: sha1.Sum(rawInfo),
	}

	if al, ok := top.Get("announce-list"); ok && al.Type == bencode.TypeList {
		for _, tier := range al.List {
			if tier.Type != bencode.TypeList {
				continue
			}
			var urls []string
			for _, u := range tier.List {
				if u.Type == bencode.TypeBytes {
					urls = append(urls, string(u.Bytes))
				}
			}
			t.AnnounceList = append(t.AnnounceList, urls)
		}
	}
	if c, ok := top.Get("comment"); ok && c.Type == bencode.TypeBytes {
		t.Comment = string(c.Bytes)
	}
	if c, ok := top.Get("created by"); ok && c.Type == bencode.TypeBytes {
		t.CreatedBy = string(c.Bytes)
	}
	if c, ok := top.Get("creation date"); ok && c.Type == bencode.TypeInt {
		t.CreationDate = c.Int
	}
	if u, ok := top.Get("url-list"); ok {
		switch u.Type {
		case bencode.TypeBytes:
			t.URLList = []string{string(u.Bytes)}
		case bencode.TypeList:
			for _, e := range u.List {
				if e.Type == bencode.TypeBytes {
					t.URLList = append(t.URLList, string(e.Bytes))
				}
			}
		}
	}

	if info.MultiFile() {
		var total int64
		for _, f := range info.Files {
			total += f.Length
		}
		t.TotalSize = total
	} else {
		t.TotalSize = info.Length
	}

	return t, nil
}

func parseInfo(v bencode.Value, raw []byte) (Info, error) {
	name, ok := v.Get("name")
	if !ok || name.Type != bencode.TypeBytes {
		return Info{}, &Error{Kind: MissingKey, Field: "info.name"}
	}
	pieceLength, ok := v.Get("piece length")
	if !ok || pieceLength.Type != bencode.TypeInt {
		return Info{}, &Error{Kind: MissingKey, Field: "info.piece length"}
	}
	if pieceLength.Int <= 0 {
		return Info{}, &Error{Kind: BadPieceLength, Field: "info.piece length"}
	}
	pieces, ok := v.Get("pieces")
	if !ok || pieces.Type != bencode.TypeBytes {
		return Info{}, &Error{Kind: MissingKey, Field: "info.pieces"}
	}
	if len(pieces.Bytes) == 0 {
		return Info{}, &Error{Kind: EmptyPieces, Field: "info.pieces"}
	}
	if len(pieces.Bytes)%20 != 0 {
		return Info{}, &Error{Kind: BadPieceLength, Field: "info.pieces"}
	}

	info := Info{
		Name:        string(name.Bytes),
		PieceLength: pieceLength.Int,
		Pieces:      pieces.Bytes,
		Raw:         raw,
	}

	if filesVal, ok := v.Get("files"); ok && filesVal.Type == bencode.TypeList && len(filesVal.List) > 0 {
		for _, fv := range filesVal.List {
			length, ok := fv.Get("length")
			if !ok || length.Type != bencode.TypeInt {
				return Info{}, &Error{Kind: MissingKey, Field: "info.files[].length"}
			}
			pathVal, ok := fv.Get("path")
			if !ok || pathVal.Type != bencode.TypeList {
				return Info{}, &Error{Kind: MissingKey, Field: "info.files[].path"}
			}
			var path []string
			for _, seg := range pathVal.List {
				if seg.Type != bencode.TypeBytes {
					return Info{}, &Error{Kind: WrongType, Field: "info.files[].path[]"}
				}
				path = append(path, string(seg.Bytes))
			}
			info.Files = append(info.Files, FileInfo{Length: length.Int, Path: path})
		}
		return info, nil
	}

	length, ok := v.Get("length")
	if !ok || length.Type != bencode.TypeInt {
		return Info{}, &Error{Kind: MissingKey, Field: "info.length"}
	}
	info.Length = length.Int
	return info, nil
}

// rawBencodeOf re-scans data's top-level dictionary to find the exact
// bencoded bytes of the given key's value, so info-hash hashing never
// depends on the encoder's own re-serialization.
func rawBencodeOf(data []byte, key string) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, &Error{Kind: WrongType, Field: "<top level>"}
	}
	cur := data[1:]
	for {
		if len(cur) == 0 || cur[0] == 'e' {
			return nil, &Error{Kind: MissingKey, Field: key}
		}
		keyVal, tail, err := bencode.Decode(cur)
		if err != nil {
			return nil, err
		}
		valStart := tail
		valVal, valTail, err := bencode.Decode(tail)
		if err != nil {
			return nil, err
		}
		if string(keyVal.Bytes) == key {
			_ = valVal
			return valStart[:len(valStart)-len(valTail)], nil
		}
		cur = valTail
	}
}
