package portability

import (
	"testing"

	"github.com/stretchr/testify/require"
	"kiln/internal/kilnerr"
)

func TestFingerprintHashIsStable(t *testing.T) {
	fp := &Fingerprint{RustcVersionHash: 1, Features: []string{"default"}, TargetHash: 2}
	h1 := fp.Hash()
	h2 := fp.Hash()
	require.Equal(t, h1, h2)
}

func TestFingerprintHashChangesWithFields(t *testing.T) {
	fp1 := &Fingerprint{RustcVersionHash: 1}
	fp2 := &Fingerprint{RustcVersionHash: 2}
	require.NotEqual(t, fp1.Hash(), fp2.Hash())
}

func TestSetPathInvalidatesMemoizedHash(t *testing.T) {
	fp := &Fingerprint{RustcVersionHash: 1}
	before := fp.Hash()
	fp.SetPath("/workspace/src/lib.rs")
	after := fp.Hash()
	require.NotEqual(t, before, after)
}

func TestRewriteDepsAppliesMapping(t *testing.T) {
	fp := &Fingerprint{
		Deps: []DepRef{{PkgID: "dep1", Name: "dep1", InnerFingerprintHash: 0xAAAA}},
	}
	err := fp.RewriteDeps(map[uint64]uint64{0xAAAA: 0xBBBB})
	require.NoError(t, err)
	require.Equal(t, uint64(0xBBBB), fp.Deps[0].InnerFingerprintHash)
}

func TestRewriteDepsMissingMappingIsFatal(t *testing.T) {
	fp := &Fingerprint{
		Deps: []DepRef{{PkgID: "dep1", Name: "dep1", InnerFingerprintHash: 0xAAAA}},
	}
	err := fp.RewriteDeps(map[uint64]uint64{})
	require.Error(t, err)
	require.True(t, kilnerr.Is(err, kilnerr.DependencyFingerprintMissing))
}

func TestQualifyRoundTrip(t *testing.T) {
	roots := Roots{TargetProfileDir: "/ws/target/release", CargoHomeDir: "/home/user/.cargo"}

	q := Qualify("/ws/target/release/deps/libfoo.rlib", roots)
	require.Equal(t, RelativeTargetProfile, q.Kind)
	require.Equal(t, "/ws/target/release/deps/libfoo.rlib", q.Resolve(roots))

	q = Qualify("/home/user/.cargo/registry/src/foo-1.0/lib.rs", roots)
	require.Equal(t, RelativeCargoHome, q.Kind)
	require.Equal(t, "/home/user/.cargo/registry/src/foo-1.0/lib.rs", q.Resolve(roots))

	q = Qualify("src/lib.rs", roots)
	require.Equal(t, Rootless, q.Kind)
	require.Equal(t, "src/lib.rs", q.Resolve(roots))

	q = Qualify("/usr/lib/libc.so", roots)
	require.Equal(t, Absolute, q.Kind)
	require.Equal(t, "/usr/lib/libc.so", q.Resolve(roots))
}

func TestDepInfoRoundTrip(t *testing.T) {
	roots := Roots{TargetProfileDir: "/ws/target/release"}
	content := "# a comment\n\n/ws/target/release/libfoo.rlib: src/lib.rs /ws/target/release/deps/libbar.rlib"

	lines := ParseDepInfo(content, roots)
	require.Len(t, lines, 3)
	require.Equal(t, Comment, lines[0].Kind)
	require.Equal(t, Space, lines[1].Kind)
	require.Equal(t, Build, lines[2].Kind)

	rendered := Render(lines, roots)
	require.Equal(t, content, rendered)
}
