package proof

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/wtran29/spacetime/foundation/blockchain/plot"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

func mustDecodeHash(t *testing.T, hexStr string) signature.Hash32 {
	t.Helper()
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		t.Fatalf("decode %q: %s", hexStr, err)
	}
	var h signature.Hash32
	copy(h[:], b)
	return h
}

func repeatedHash(b byte) signature.Hash32 {
	var h signature.Hash32
	for i := range h {
		h[i] = b
	}
	return h
}

// TestScoreComparison is spec scenario 2: challenge=0xAA..AA,
// leaf=0xBB..BB -> score=SHA256(challenge||leaf); with difficulty=1,
// target=0xFF..FF, and score < target must hold.
func TestScoreComparison(t *testing.T) {
	challenge := repeatedHash(0xAA)
	leaf := repeatedHash(0xBB)

	score := Score(challenge, leaf)

	want := signature.HashConcat(challenge[:], leaf[:])
	if score != want {
		t.Fatalf("Score() = %x, want %x", score, want)
	}

	target := repeatedHash(0xFF)
	if !score.Less(target) {
		t.Errorf("score %x should be less than target %x", score, target)
	}
}

func buildTestPlot(t *testing.T, seed, pubKey [32]byte) *plot.Handle {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.plot")

	_, err := plot.Create(plot.Config{
		SizeBytes:    plot.MinPlotSizeBytes,
		MinerPubKey:  pubKey,
		PlotSeed:     seed,
		OutputPath:   path,
		IncludeCache: true,
		CacheLevels:  4,
	}, nil)
	if err != nil {
		t.Fatalf("plot.Create: %s", err)
	}

	h, err := plot.Open(path)
	if err != nil {
		t.Fatalf("plot.Open: %s", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// TestGenesisChallengeProofValidates is spec scenario 1: a plot built
// with seed=0x00..00, pk=0x01..01 must produce a proof under the
// genesis challenge for "testnet" that validates with no difficulty
// bound.
func TestGenesisChallengeProofValidates(t *testing.T) {
	var seed [32]byte
	pubKey := repeatedHash(0x01)

	handle := buildTestPlot(t, seed, [32]byte(pubKey))

	genesisChallenge := signature.HashConcat([]byte("spacetime-genesis"), []byte("testnet"))

	p, err := Generate(context.Background(), handle, genesisChallenge, NewFullScan(handle.LeafCount()), ScanningConfig{})
	if err != nil {
		t.Fatalf("Generate: %s", err)
	}
	if p == nil {
		t.Fatalf("Generate returned no proof")
	}

	treeHeight, err := TreeHeightForLeafCount(handle.LeafCount())
	if err != nil {
		t.Fatalf("TreeHeightForLeafCount: %s", err)
	}

	if err := Validate(*p, genesisChallenge, handle.MerkleRoot(), nil, treeHeight); err != nil {
		t.Errorf("Validate() = %s, want nil", err)
	}
}

// TestProofSoundness checks the quantified invariant from spec §8:
// score == H(challenge||leaf), score < target, and the Merkle path
// reconstructs the plot root.
func TestProofSoundness(t *testing.T) {
	var seed [32]byte
	seed[0] = 0x42
	pubKey := repeatedHash(0x07)
	handle := buildTestPlot(t, seed, [32]byte(pubKey))

	challenge := mustDecodeHash(t, "cafe000000000000000000000000000000000000000000000000000000ff")

	p, err := Generate(context.Background(), handle, challenge, NewFullScan(handle.LeafCount()), ScanningConfig{})
	if err != nil || p == nil {
		t.Fatalf("Generate: proof=%v err=%s", p, err)
	}

	if want := Score(challenge, p.Leaf); want != p.Score {
		t.Errorf("score mismatch: got %x want %x", p.Score, want)
	}

	target := signature.Hash32{}
	for i := range target {
		target[i] = 0xFF
	}
	if !p.Score.Less(target) {
		t.Errorf("best score %x not below trivial target", p.Score)
	}

	steps := toPath(p.Siblings, p.RightSibling)
	if !plot.VerifyPath(p.Leaf, steps, handle.MerkleRoot()) {
		t.Errorf("Merkle path does not reconstruct plot root")
	}
}

func TestValidateRejectsWrongChallenge(t *testing.T) {
	var seed [32]byte
	pubKey := repeatedHash(0x02)
	handle := buildTestPlot(t, seed, [32]byte(pubKey))

	ch := repeatedHash(0x11)
	p, err := Generate(context.Background(), handle, ch, NewFullScan(handle.LeafCount()), ScanningConfig{})
	if err != nil || p == nil {
		t.Fatalf("Generate: proof=%v err=%s", p, err)
	}

	treeHeight, _ := TreeHeightForLeafCount(handle.LeafCount())
	wrongChallenge := repeatedHash(0x22)
	if err := Validate(*p, wrongChallenge, handle.MerkleRoot(), nil, treeHeight); err == nil {
		t.Errorf("Validate() should reject a proof bound to a different challenge")
	}
}

func TestValidateRejectsScoreAboveTarget(t *testing.T) {
	var seed [32]byte
	pubKey := repeatedHash(0x03)
	handle := buildTestPlot(t, seed, [32]byte(pubKey))

	ch := repeatedHash(0x33)
	p, err := Generate(context.Background(), handle, ch, NewFullScan(handle.LeafCount()), ScanningConfig{})
	if err != nil || p == nil {
		t.Fatalf("Generate: proof=%v err=%s", p, err)
	}

	treeHeight, _ := TreeHeightForLeafCount(handle.LeafCount())
	impossible := signature.Hash32{} // the all-zero target: no score can beat it
	if err := Validate(*p, ch, handle.MerkleRoot(), &impossible, treeHeight); err == nil {
		t.Errorf("Validate() should reject a score that does not beat the target")
	}
}

// TestCancellationReturnsPromptly is spec scenario 6: a long sampling
// scan whose context is already cancelled when it starts must return
// at its first cancellation check, with an error and no proof.
func TestCancellationReturnsPromptly(t *testing.T) {
	var seed [32]byte
	pubKey := repeatedHash(0x04)
	handle := buildTestPlot(t, seed, [32]byte(pubKey))

	ch := repeatedHash(0x44)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	p, err := Generate(ctx, handle, ch, NewSampling(ch, handle.LeafCount(), 1_000_000), ScanningConfig{})
	elapsed := time.Since(start)

	if err == nil {
		t.Errorf("Generate() with a pre-cancelled context should return an error")
	}
	if p != nil {
		t.Errorf("Generate() with a pre-cancelled context should not return a proof")
	}
	if elapsed > 2*time.Second {
		t.Errorf("cancellation took %s, want near-immediate return", elapsed)
	}
}

func TestGenerateFromMultiplePlotsPicksBest(t *testing.T) {
	var seedA, seedB [32]byte
	seedB[0] = 0x99
	pubKey := repeatedHash(0x05)

	handleA := buildTestPlot(t, seedA, [32]byte(pubKey))
	handleB := buildTestPlot(t, seedB, [32]byte(pubKey))

	ch := repeatedHash(0x55)
	sources := []PlotSource{
		{PlotID: "a", Handle: handleA, Strategy: NewFullScan(handleA.LeafCount())},
		{PlotID: "b", Handle: handleB, Strategy: NewFullScan(handleB.LeafCount())},
	}

	best, err := GenerateFromMultiplePlots(context.Background(), sources, ch, ScanningConfig{}, 2)
	if err != nil {
		t.Fatalf("GenerateFromMultiplePlots: %s", err)
	}
	if best == nil {
		t.Fatalf("expected a best proof across two plots")
	}
	if best.PlotID != "a" && best.PlotID != "b" {
		t.Errorf("best.PlotID = %q, want a or b", best.PlotID)
	}

	for _, src := range []struct {
		id     string
		handle *plot.Handle
	}{{"a", handleA}, {"b", handleB}} {
		p, err := Generate(context.Background(), src.handle, ch, NewFullScan(src.handle.LeafCount()), ScanningConfig{})
		if err != nil || p == nil {
			t.Fatalf("Generate(%s): proof=%v err=%v", src.id, p, err)
		}
		if p.Score.Less(best.Score) {
			t.Errorf("plot %s scores %x, better than the returned best %x", src.id, p.Score, best.Score)
		}
	}
}

func TestBlockProofEncodeDecodeRoundTrip(t *testing.T) {
	bp := BlockProof{
		Proof: Proof{
			Leaf:           repeatedHash(0x01),
			LeafIndex:      7,
			Siblings:       []signature.Hash32{repeatedHash(0x02), repeatedHash(0x03)},
			RightSibling:   []bool{true, false},
			PlotMerkleRoot: repeatedHash(0x04),
			Challenge:      repeatedHash(0x05),
			Score:          repeatedHash(0x06),
		},
		Metadata: BlockPlotMetadata{
			LeafCount:      1024,
			PlotID:         [32]byte(repeatedHash(0x07)),
			PlotHeaderHash: repeatedHash(0x08),
			Version:        1,
		},
	}

	encoded := bp.Encode()
	decoded, err := DecodeBlockProof(encoded)
	if err != nil {
		t.Fatalf("DecodeBlockProof: %s", err)
	}

	if decoded.Leaf != bp.Leaf || decoded.LeafIndex != bp.LeafIndex || decoded.Challenge != bp.Challenge ||
		decoded.PlotMerkleRoot != bp.PlotMerkleRoot || decoded.Score != bp.Score {
		t.Errorf("decoded proof fields do not match original")
	}
	if len(decoded.Siblings) != len(bp.Siblings) {
		t.Fatalf("sibling count mismatch: got %d want %d", len(decoded.Siblings), len(bp.Siblings))
	}
	for i := range bp.Siblings {
		if decoded.Siblings[i] != bp.Siblings[i] || decoded.RightSibling[i] != bp.RightSibling[i] {
			t.Errorf("sibling %d mismatch", i)
		}
	}
	if decoded.Metadata != bp.Metadata {
		t.Errorf("metadata mismatch: got %+v want %+v", decoded.Metadata, bp.Metadata)
	}

	reencoded := decoded.Encode()
	if !bytes.Equal(reencoded, encoded) {
		t.Errorf("re-encoding decoded proof did not reproduce the original bytes")
	}
}

func TestTreeHeightForLeafCountRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := TreeHeightForLeafCount(3); err == nil {
		t.Errorf("TreeHeightForLeafCount(3) should reject a non-power-of-two leaf count")
	}
	h, err := TreeHeightForLeafCount(1 << 20)
	if err != nil {
		t.Fatalf("TreeHeightForLeafCount(2^20): %s", err)
	}
	if h != 20 {
		t.Errorf("TreeHeightForLeafCount(2^20) = %d, want 20", h)
	}
}
