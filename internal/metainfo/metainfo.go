// Package metainfo decodes .torrent files into the piece/file layout the
// rest of the core needs, grounded in Charana123-torrent's metainfo.go
// (the info-hash-over-re-encoded-dict trick) and WendelHime-gotorrent's
// decoder package (single-vs-multi-file normalization), adapted to the
// jackpal/bencode-go encoder this module standardizes on.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"

	"github.com/jackpal/bencode-go"
)

// FileEntry is one file within the torrent's layout, in byte order.
type FileEntry struct {
	Length int64
	Path   []string
}

// Info is the decoded .torrent metadata this core needs to build a
// FileManager and a PieceManager's piece table.
type Info struct {
	Name         string
	Announce     string
	AnnounceList []string
	PieceLength  int64
	PieceHashes  [][20]byte
	Files        []FileEntry
	InfoHash     [20]byte
}

// Decode parses a .torrent file's bytes into Info.
func Decode(raw []byte) (Info, error) {
	decoded, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return Info{}, err
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return Info{}, errors.New("metainfo: top level is not a dict")
	}

	var mi Info
	if announce, ok := dict["announce"].(string); ok {
		mi.Announce = announce
	}
	if list, ok := dict["announce-list"].([]interface{}); ok {
		for _, tier := range list {
			if urls, ok := tier.([]interface{}); ok {
				for _, u := range urls {
					if s, ok := u.(string); ok {
						mi.AnnounceList = append(mi.AnnounceList, s)
					}
				}
			}
		}
	}

	infoRaw, ok := dict["info"]
	if !ok {
		return Info{}, errors.New("metainfo: missing info dict")
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoRaw); err != nil {
		return Info{}, err
	}
	mi.InfoHash = sha1.Sum(buf.Bytes())

	infoDict, ok := infoRaw.(map[string]interface{})
	if !ok {
		return Info{}, errors.New("metainfo: info is not a dict")
	}
	if name, ok := infoDict["name"].(string); ok {
		mi.Name = name
	}
	if pl, ok := infoDict["piece length"].(int64); ok {
		mi.PieceLength = pl
	}
	pieces, _ := infoDict["pieces"].(string)
	mi.PieceHashes, err = splitPieceHashes(pieces)
	if err != nil {
		return Info{}, err
	}

	if filesRaw, ok := infoDict["files"].([]interface{}); ok {
		for _, fr := range filesRaw {
			fdict, ok := fr.(map[string]interface{})
			if !ok {
				continue
			}
			var entry FileEntry
			if length, ok := fdict["length"].(int64); ok {
				entry.Length = length
			}
			if pathList, ok := fdict["path"].([]interface{}); ok {
				for _, seg := range pathList {
					if s, ok := seg.(string); ok {
						entry.Path = append(entry.Path, s)
					}
				}
			}
			mi.Files = append(mi.Files, entry)
		}
	} else if length, ok := infoDict["length"].(int64); ok {
		mi.Files = []FileEntry{{Length: length, Path: []string{mi.Name}}}
	}

	return mi, nil
}

// DecodeFile reads and decodes a .torrent file at path.
func DecodeFile(path string) (Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return Decode(raw)
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	if len(pieces)%20 != 0 {
		return nil, errors.New("metainfo: pieces length not a multiple of 20")
	}
	n := len(pieces) / 20
	out := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], pieces[i*20:(i+1)*20])
	}
	return out, nil
}

// PieceLengths returns the byte length of every piece, truncating the
// final piece to the sum of file lengths.
func (mi Info) PieceLengths() []int {
	var total int64
	for _, f := range mi.Files {
		total += f.Length
	}
	n := len(mi.PieceHashes)
	out := make([]int, n)
	for i := 0; i < n; i++ {
		remaining := total - int64(i)*mi.PieceLength
		if remaining >= mi.PieceLength {
			out[i] = int(mi.PieceLength)
		} else {
			out[i] = int(remaining)
		}
	}
	return out
}
