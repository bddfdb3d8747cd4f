package plot

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfig(t *testing.T, dir string, seed, pubKey [32]byte) Config {
	t.Helper()
	return Config{
		SizeBytes:    MinPlotSizeBytes,
		MinerPubKey:  pubKey,
		PlotSeed:     seed,
		OutputPath:   filepath.Join(dir, "plot.bin"),
		IncludeCache: true,
		CacheLevels:  6,
	}
}

// TestPlotDeterminism is the quantified invariant from spec §8: two
// independent builds from the same (seed, pk, size) produce
// byte-equal plot files and the same Merkle root.
func TestPlotDeterminism(t *testing.T) {
	var seed [32]byte
	seed[0] = 0xAB
	var pubKey [32]byte
	pubKey[0] = 0xCD

	dir1, dir2 := t.TempDir(), t.TempDir()
	cfg1 := testConfig(t, dir1, seed, pubKey)
	cfg2 := testConfig(t, dir2, seed, pubKey)

	res1, err := Create(cfg1, nil)
	if err != nil {
		t.Fatalf("Create (1): %s", err)
	}
	res2, err := Create(cfg2, nil)
	if err != nil {
		t.Fatalf("Create (2): %s", err)
	}

	if res1.Header.MerkleRoot != res2.Header.MerkleRoot {
		t.Errorf("Merkle roots differ between independent builds: %x vs %x", res1.Header.MerkleRoot, res2.Header.MerkleRoot)
	}

	b1, err := os.ReadFile(cfg1.OutputPath)
	if err != nil {
		t.Fatalf("read plot 1: %s", err)
	}
	b2, err := os.ReadFile(cfg2.OutputPath)
	if err != nil {
		t.Fatalf("read plot 2: %s", err)
	}
	if len(b1) != len(b2) {
		t.Fatalf("plot file sizes differ: %d vs %d", len(b1), len(b2))
	}
	for i := range b1 {
		if b1[i] != b2[i] {
			t.Fatalf("plot files differ at byte %d", i)
			break
		}
	}
}

func TestPlotDifferentSeedsProduceDifferentRoots(t *testing.T) {
	var pubKey [32]byte
	pubKey[0] = 0x01

	var seedA, seedB [32]byte
	seedB[0] = 0x01

	dirA, dirB := t.TempDir(), t.TempDir()
	resA, err := Create(testConfig(t, dirA, seedA, pubKey), nil)
	if err != nil {
		t.Fatalf("Create (A): %s", err)
	}
	resB, err := Create(testConfig(t, dirB, seedB, pubKey), nil)
	if err != nil {
		t.Fatalf("Create (B): %s", err)
	}

	if resA.Header.MerkleRoot == resB.Header.MerkleRoot {
		t.Errorf("different plot seeds produced the same Merkle root")
	}
}

func TestLeafAtMatchesDeterministicFormula(t *testing.T) {
	var seed, pubKey [32]byte
	seed[0] = 0x11
	pubKey[0] = 0x22

	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	if _, err := Create(cfg, nil); err != nil {
		t.Fatalf("Create: %s", err)
	}

	h, err := Open(cfg.OutputPath)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer h.Close()

	for _, idx := range []uint64{0, 1, 1023, h.LeafCount() - 1} {
		got, err := h.LeafAt(idx)
		if err != nil {
			t.Fatalf("LeafAt(%d): %s", idx, err)
		}
		want := LeafAt(seed, pubKey, idx)
		if got != want {
			t.Errorf("LeafAt(%d) = %x, want %x", idx, got, want)
		}
	}
}

func TestLeafAtOutOfRange(t *testing.T) {
	var seed, pubKey [32]byte
	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	if _, err := Create(cfg, nil); err != nil {
		t.Fatalf("Create: %s", err)
	}
	h, err := Open(cfg.OutputPath)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer h.Close()

	if _, err := h.LeafAt(h.LeafCount()); err == nil {
		t.Errorf("LeafAt at leaf count should be out of range")
	}
}

// TestMinimumPlotSize is a boundary behavior from spec §8.
func TestMinimumPlotSize(t *testing.T) {
	var seed, pubKey [32]byte
	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	cfg.SizeBytes = MinPlotSizeBytes

	if _, err := Create(cfg, nil); err != nil {
		t.Fatalf("Create at minimum size: %s", err)
	}

	cfg.SizeBytes = MinPlotSizeBytes - LeafSize
	cfg.OutputPath = filepath.Join(dir, "too-small.bin")
	if _, err := Create(cfg, nil); err == nil {
		t.Errorf("Create below minimum size should fail")
	}
}

func TestCreateRejectsNonPowerOfTwoLeafCount(t *testing.T) {
	var seed, pubKey [32]byte
	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	cfg.SizeBytes = MinPlotSizeBytes + LeafSize // one extra leaf breaks power-of-two
	if _, err := Create(cfg, nil); err == nil {
		t.Errorf("Create with a non-power-of-two leaf count should fail")
	}
}

// TestCacheLevelsBoundary covers cache_levels in {0, 20} from spec §8.
func TestCacheLevelsBoundary(t *testing.T) {
	var seed, pubKey [32]byte

	dirZero := t.TempDir()
	cfgZero := testConfig(t, dirZero, seed, pubKey)
	cfgZero.IncludeCache = false
	cfgZero.CacheLevels = 0
	if _, err := Create(cfgZero, nil); err != nil {
		t.Errorf("Create with cache_levels=0: %s", err)
	}

	dirMax := t.TempDir()
	cfgMax := testConfig(t, dirMax, seed, pubKey)
	cfgMax.SizeBytes = (1 << 20) * LeafSize // height 20, matches MaxCacheLevels
	cfgMax.CacheLevels = MaxCacheLevels
	if _, err := Create(cfgMax, nil); err != nil {
		t.Errorf("Create with cache_levels=MaxCacheLevels: %s", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.plot")
	if err := os.WriteFile(path, make([]byte, headerSize+LeafSize), 0o644); err != nil {
		t.Fatalf("write garbage file: %s", err)
	}
	if _, err := Open(path); err == nil {
		t.Errorf("Open should reject a file with a bad magic number")
	}
}

func TestExtractPathVerifiesAgainstRoot(t *testing.T) {
	var seed, pubKey [32]byte
	seed[0] = 0x55
	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	if _, err := Create(cfg, nil); err != nil {
		t.Fatalf("Create: %s", err)
	}
	h, err := Open(cfg.OutputPath)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer h.Close()

	for _, idx := range []uint64{0, 1, h.LeafCount() / 2, h.LeafCount() - 1} {
		leaf, err := h.LeafAt(idx)
		if err != nil {
			t.Fatalf("LeafAt(%d): %s", idx, err)
		}
		path, err := ExtractPath(h, idx)
		if err != nil {
			t.Fatalf("ExtractPath(%d): %s", idx, err)
		}
		if len(path) != h.TreeHeight() {
			t.Errorf("ExtractPath(%d) length = %d, want %d", idx, len(path), h.TreeHeight())
		}
		if !VerifyPath(leaf, path, h.MerkleRoot()) {
			t.Errorf("VerifyPath(%d) failed to reconstruct the plot root", idx)
		}
	}
}

func TestExtractPathWithAndWithoutCacheAgree(t *testing.T) {
	var seed, pubKey [32]byte
	seed[0] = 0x66

	dirCached := t.TempDir()
	cfgCached := testConfig(t, dirCached, seed, pubKey)
	cfgCached.CacheLevels = 8
	if _, err := Create(cfgCached, nil); err != nil {
		t.Fatalf("Create (cached): %s", err)
	}
	cached, err := Open(cfgCached.OutputPath)
	if err != nil {
		t.Fatalf("Open (cached): %s", err)
	}
	defer cached.Close()

	dirUncached := t.TempDir()
	cfgUncached := testConfig(t, dirUncached, seed, pubKey)
	cfgUncached.IncludeCache = false
	cfgUncached.CacheLevels = 0
	if _, err := Create(cfgUncached, nil); err != nil {
		t.Fatalf("Create (uncached): %s", err)
	}
	uncached, err := Open(cfgUncached.OutputPath)
	if err != nil {
		t.Fatalf("Open (uncached): %s", err)
	}
	defer uncached.Close()

	idx := uncached.LeafCount() / 3
	pathCached, err := ExtractPath(cached, idx)
	if err != nil {
		t.Fatalf("ExtractPath (cached): %s", err)
	}
	pathUncached, err := ExtractPath(uncached, idx)
	if err != nil {
		t.Fatalf("ExtractPath (uncached): %s", err)
	}

	if len(pathCached) != len(pathUncached) {
		t.Fatalf("path length mismatch: cached=%d uncached=%d", len(pathCached), len(pathUncached))
	}
	for i := range pathCached {
		if pathCached[i] != pathUncached[i] {
			t.Errorf("path step %d differs between cached and uncached extraction", i)
		}
	}
}

func TestOpenSetsRecomputedHeaderChecksum(t *testing.T) {
	var seed, pubKey [32]byte
	dir := t.TempDir()
	cfg := testConfig(t, dir, seed, pubKey)
	if _, err := Create(cfg, nil); err != nil {
		t.Fatalf("Create: %s", err)
	}

	h, err := Open(cfg.OutputPath)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	want := headerChecksum(h.header)
	if h.header.Checksum == nil || *h.header.Checksum != want {
		t.Errorf("opened plot checksum does not match recomputed checksum")
	}
	h.Close()
}
