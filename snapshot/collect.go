package snapshot

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Set of Snapshots, ordered on database path.
type Set []*Snapshot

// Find returns the Snapshot of database |path|, or nil if none is in the Set.
func (s Set) Find(path string) *Snapshot {
	var ind = sort.Search(len(s), func(i int) bool { return s[i].Path >= path })
	if ind != len(s) && s[ind].Path == path {
		return s[ind]
	}
	return nil
}

// Snapshot is the collected history of a single database, across all
// generations of its indices.
type Snapshot struct {
	// Path of the database, as recorded by its indices.
	Path string
	// Created is the timestamp of the earliest frame.
	Created time.Time
	// Modified is the timestamp of the latest frame.
	Modified time.Time
	// Generations ordered on their first frame.
	Generations []*Generation
	// Frames of all Generations, ordered on timestamp.
	Frames []Frame
}

// Generation is a single index file and its chunks.
type Generation struct {
	// IndexPath is the path of the generation's index file.
	IndexPath string
	// Frames of the generation, where Frames[k] describes chunk k.
	Frames []Frame

	fs afero.Fs
}

// Frame is a restorable point of a Generation.
type Frame struct {
	// Timestamp at which the frame was captured.
	Timestamp time.Time
	// Hash of the chunk's uncompressed content.
	Hash Hash
	// Index of the frame, and its chunk, within its Generation.
	Index int64
	// Generation of the Frame.
	Generation *Generation
}

// ChunkPath returns the path of the chunk of the Frame.
func (f Frame) ChunkPath() string { return ChunkPath(f.Generation.IndexPath, f.Index) }

// Open the Frame's chunk for verified reading.
func (f Frame) Open() (io.ReadCloser, error) {
	return OpenChunk(f.Generation.fs, f.ChunkPath(), f.Hash)
}

// FindFrame returns the index into Frames of the latest frame at or before
// |t|, or of the very latest frame if |t| is zero. It returns false if no
// such frame exists.
func (s *Snapshot) FindFrame(t time.Time) (int, bool) {
	if len(s.Frames) == 0 {
		return 0, false
	} else if t.IsZero() {
		return len(s.Frames) - 1, true
	}
	var ind = sort.Search(len(s.Frames), func(i int) bool {
		return s.Frames[i].Timestamp.After(t)
	})
	if ind == 0 {
		return 0, false
	}
	return ind - 1, true
}

// Collect reads the index files at |paths| and groups them into Snapshots of
// their databases. Files which fail to read are skipped, and their errors are
// returned alongside the collected Set.
func Collect(fs afero.Fs, paths []string) (Set, []error) {
	var byPath = make(map[string]*Snapshot)
	var errs []error

	for _, path := range paths {
		var dbPath, gen, err = ReadIndex(fs, path)
		if err != nil {
			errs = append(errs, errors.WithMessage(err, path))
			continue
		} else if len(gen.Frames) == 0 {
			log.WithFields(log.Fields{"index": path, "db": dbPath}).
				Info("skipping snapshot index without frames")
			continue
		}

		var s, ok = byPath[dbPath]
		if !ok {
			s = &Snapshot{Path: dbPath}
			byPath[dbPath] = s
		}
		s.Generations = append(s.Generations, gen)
	}

	var set Set
	for _, s := range byPath {
		sort.SliceStable(s.Generations, func(i, j int) bool {
			var l, r = s.Generations[i].Frames[0], s.Generations[j].Frames[0]
			if l.Timestamp.Equal(r.Timestamp) {
				return s.Generations[i].IndexPath < s.Generations[j].IndexPath
			}
			return l.Timestamp.Before(r.Timestamp)
		})
		for _, gen := range s.Generations {
			s.Frames = append(s.Frames, gen.Frames...)
		}
		sort.SliceStable(s.Frames, func(i, j int) bool {
			return s.Frames[i].Timestamp.Before(s.Frames[j].Timestamp)
		})
		s.Created = s.Frames[0].Timestamp
		s.Modified = s.Frames[len(s.Frames)-1].Timestamp

		set = append(set, s)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Path < set[j].Path })

	return set, errs
}

// ReadIndex reads the index file at |path|, returning its database path and
// Generation. A truncated trailing frame is ignored with a warning.
func ReadIndex(fs afero.Fs, path string) (string, *Generation, error) {
	var f, err = fs.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	var br = bufio.NewReader(f)
	dbPath, err := readHeader(br)
	if err != nil {
		return "", nil, err
	}

	var gen = &Generation{IndexPath: path, fs: fs}
	var b [FrameSize]byte

	for {
		if _, err = io.ReadFull(br, b[:]); err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			log.WithFields(log.Fields{"index": path, "frame": len(gen.Frames)}).
				Warn("ignoring truncated trailing frame")
			break
		} else if err != nil {
			return "", nil, errors.WithMessagef(err, "reading frame %d", len(gen.Frames))
		}

		var frame = Frame{
			Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(b[:8]))),
			Index:      int64(len(gen.Frames)),
			Generation: gen,
		}
		copy(frame.Hash[:], b[8:])
		gen.Frames = append(gen.Frames, frame)
	}
	return dbPath, gen, nil
}

// ExpandPaths returns the index files named by |args|. Arguments which are
// directories expand to the index files they contain.
func ExpandPaths(fs afero.Fs, args []string) ([]string, error) {
	var out []string

	for _, arg := range args {
		var info, err = fs.Stat(arg)
		if err != nil {
			return nil, err
		} else if !info.IsDir() {
			out = append(out, arg)
			continue
		}

		matches, err := afero.Glob(fs, filepath.Join(arg, "*"+IndexSuffix))
		if err != nil {
			return nil, errors.WithMessagef(err, "listing %s", arg)
		}
		for _, m := range matches {
			if info, err = fs.Stat(m); err == nil && info.Mode().IsRegular() {
				out = append(out, m)
			} else if err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
