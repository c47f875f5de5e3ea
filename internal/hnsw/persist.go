package hnsw

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"

	"github.com/connexus-ai/searchd/internal/errors"
	"github.com/connexus-ai/searchd/internal/meta"
)

// Snapshot file layout (all integers little-endian):
//
//	magic[8] version:u32 dim:u32
//	m:u32 ef_construction:u32 seed:i64
//	max_layer:u32 next_id:u64
//	entry_present:u8 entry_id:u64
//	node_count:u64 then per node:
//	  id:u64 chunk_id:str doc_id:str metadata:json-str
//	  max_layer:u32 deleted:u8 vector[dim]:f32
//	edge_count:u64 then per edge (emitted once, lower id first):
//	  a:u64 layer:u32 b:u64
//
// Strings are u32-length-prefixed UTF-8. Metadata JSON uses Go's sorted
// map-key encoding, so identical state serializes to identical bytes.
const (
	snapshotMagic   = "SRCHHNSW"
	snapshotVersion = uint32(1)
)

type edgeTriple struct {
	a     uint64
	layer uint32
	b     uint64
}

// SaveFile writes an atomic snapshot of the index to path, guarded by a
// sibling .lock file against concurrent writers from other processes.
func (ix *Index) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "create snapshot directory", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "acquire snapshot lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "create snapshot temp file", err)
	}

	w := bufio.NewWriter(f)
	writeErr := ix.encode(w)
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if err := f.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	if writeErr != nil {
		_ = os.Remove(tmp)
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "write snapshot", writeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Dependency(errors.ErrCodeStoreUnavailable, "commit snapshot", err)
	}
	return nil
}

// encode serializes the index. Takes the read lock.
func (ix *Index) encode(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if _, err := w.Write([]byte(snapshotMagic)); err != nil {
		return err
	}
	if err := writeU32(w, snapshotVersion); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ix.dim)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ix.params.M)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ix.params.EfConstruction)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ix.params.Seed); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ix.maxLayer)); err != nil {
		return err
	}
	if err := writeU64(w, ix.nextID); err != nil {
		return err
	}
	entryFlag := uint8(0)
	if ix.hasEntry {
		entryFlag = 1
	}
	if _, err := w.Write([]byte{entryFlag}); err != nil {
		return err
	}
	if err := writeU64(w, ix.entryPoint); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(ix.nodes))
	for id := range ix.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := writeU64(w, uint64(len(ids))); err != nil {
		return err
	}
	var edges []edgeTriple
	for _, id := range ids {
		n := ix.nodes[id]
		if err := ix.encodeNode(w, n); err != nil {
			return err
		}
		for l := 0; l <= n.maxLayer; l++ {
			for nbID := range n.edges[l] {
				if id < nbID {
					edges = append(edges, edgeTriple{a: id, layer: uint32(l), b: nbID})
				}
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		if edges[i].layer != edges[j].layer {
			return edges[i].layer < edges[j].layer
		}
		return edges[i].b < edges[j].b
	})
	if err := writeU64(w, uint64(len(edges))); err != nil {
		return err
	}
	for _, e := range edges {
		if err := writeU64(w, e.a); err != nil {
			return err
		}
		if err := writeU32(w, e.layer); err != nil {
			return err
		}
		if err := writeU64(w, e.b); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) encodeNode(w io.Writer, n *node) error {
	if err := writeU64(w, n.id); err != nil {
		return err
	}
	if err := writeString(w, n.chunkID); err != nil {
		return err
	}
	if err := writeString(w, n.documentID); err != nil {
		return err
	}
	mdBytes, err := json.Marshal(n.metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", n.chunkID, err)
	}
	if err := writeString(w, string(mdBytes)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(n.maxLayer)); err != nil {
		return err
	}
	del := uint8(0)
	if n.deleted {
		del = 1
	}
	if _, err := w.Write([]byte{del}); err != nil {
		return err
	}
	for _, v := range n.vector {
		if err := writeU32(w, math.Float32bits(v)); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a snapshot from path into a fresh index for tenantID.
// expectDim, when non-zero, rejects snapshots of a different dimension.
func LoadFile(path, tenantID string, expectDim int) (*Index, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "acquire snapshot lock", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrCodeIndexNotFound, "no snapshot at %s", path)
		}
		return nil, errors.Dependency(errors.ErrCodeStoreUnavailable, "open snapshot", err)
	}
	defer f.Close()

	ix, err := decode(bufio.NewReader(f), tenantID, expectDim)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func decode(r io.Reader, tenantID string, expectDim int) (*Index, error) {
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Corruption("snapshot too short for magic", err)
	}
	if string(magic) != snapshotMagic {
		return nil, errors.Corruption(fmt.Sprintf("bad snapshot magic %q", magic), nil)
	}
	version, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot version", err)
	}
	if version != snapshotVersion {
		return nil, errors.Newf(errors.ErrCodeVersionMismatch,
			"snapshot version %d, expected %d", version, snapshotVersion)
	}
	dim, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot dimension", err)
	}
	if expectDim != 0 && int(dim) != expectDim {
		return nil, errors.Newf(errors.ErrCodeVersionMismatch,
			"snapshot dimension %d, expected %d", dim, expectDim)
	}

	m, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot params", err)
	}
	efc, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot params", err)
	}
	var seed int64
	if err := binary.Read(r, binary.LittleEndian, &seed); err != nil {
		return nil, errors.Corruption("read snapshot seed", err)
	}
	maxLayer, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot max layer", err)
	}
	nextID, err := readU64(r)
	if err != nil {
		return nil, errors.Corruption("read snapshot next id", err)
	}
	flagBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, flagBuf); err != nil {
		return nil, errors.Corruption("read entry flag", err)
	}
	entryID, err := readU64(r)
	if err != nil {
		return nil, errors.Corruption("read entry id", err)
	}

	ix := New(tenantID, Params{M: int(m), EfConstruction: int(efc), Seed: seed})
	ix.dim = int(dim)
	ix.maxLayer = int(maxLayer)
	ix.nextID = nextID
	ix.hasEntry = flagBuf[0] == 1
	ix.entryPoint = entryID
	ix.layers = make([]map[uint64]struct{}, maxLayer+1)
	for i := range ix.layers {
		ix.layers[i] = make(map[uint64]struct{})
	}

	nodeCount, err := readU64(r)
	if err != nil {
		return nil, errors.Corruption("read node count", err)
	}
	for i := uint64(0); i < nodeCount; i++ {
		n, err := decodeNode(r, int(dim))
		if err != nil {
			return nil, err
		}
		if n.maxLayer > ix.maxLayer {
			return nil, errors.Corruption(
				fmt.Sprintf("node %d layer %d exceeds snapshot max layer %d", n.id, n.maxLayer, ix.maxLayer), nil)
		}
		ix.nodes[n.id] = n
		ix.byChunk[n.chunkID] = n.id
		if !n.deleted {
			ix.sizeLive++
		}
		for l := 0; l <= n.maxLayer; l++ {
			ix.layers[l][n.id] = struct{}{}
		}
	}

	edgeCount, err := readU64(r)
	if err != nil {
		return nil, errors.Corruption("read edge count", err)
	}
	for i := uint64(0); i < edgeCount; i++ {
		a, err := readU64(r)
		if err != nil {
			return nil, errors.Corruption("read edge", err)
		}
		layer, err := readU32(r)
		if err != nil {
			return nil, errors.Corruption("read edge", err)
		}
		b, err := readU64(r)
		if err != nil {
			return nil, errors.Corruption("read edge", err)
		}
		na, aok := ix.nodes[a]
		nb, bok := ix.nodes[b]
		if !aok || !bok || int(layer) > na.maxLayer || int(layer) > nb.maxLayer {
			return nil, errors.Corruption(
				fmt.Sprintf("edge (%d,%d,%d) references invalid endpoint", a, layer, b), nil)
		}
		na.addEdge(int(layer), b)
		nb.addEdge(int(layer), a)
	}

	if ix.hasEntry {
		ep, ok := ix.nodes[ix.entryPoint]
		if !ok {
			return nil, errors.Corruption("entry point missing from node table", nil)
		}
		if ep.maxLayer != ix.maxLayer {
			return nil, errors.Corruption("entry point layer disagrees with snapshot max layer", nil)
		}
	} else if nodeCount > 0 {
		return nil, errors.Corruption("snapshot has nodes but no entry point", nil)
	}
	return ix, nil
}

func decodeNode(r io.Reader, dim int) (*node, error) {
	id, err := readU64(r)
	if err != nil {
		return nil, errors.Corruption("read node id", err)
	}
	chunkID, err := readString(r)
	if err != nil {
		return nil, errors.Corruption("read chunk id", err)
	}
	docID, err := readString(r)
	if err != nil {
		return nil, errors.Corruption("read document id", err)
	}
	mdStr, err := readString(r)
	if err != nil {
		return nil, errors.Corruption("read metadata", err)
	}
	var md meta.Metadata
	if err := json.Unmarshal([]byte(mdStr), &md); err != nil {
		return nil, errors.Corruption(fmt.Sprintf("decode metadata for %s", chunkID), err)
	}
	maxLayer, err := readU32(r)
	if err != nil {
		return nil, errors.Corruption("read node max layer", err)
	}
	delBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, delBuf); err != nil {
		return nil, errors.Corruption("read deleted flag", err)
	}
	vector := make([]float32, dim)
	for i := range vector {
		bits, err := readU32(r)
		if err != nil {
			return nil, errors.Corruption("read vector", err)
		}
		vector[i] = math.Float32frombits(bits)
	}

	n := newNode(id, chunkID, docID, vector, md, int(maxLayer))
	n.deleted = delBuf[0] == 1
	return n, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

const maxStringLen = 64 << 20

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
