package workspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyLibraryCrate(t *testing.T) {
	inv := Invocation{Kind: []string{"lib"}, Outputs: []string{"libfoo.rlib"}, CompileMode: "build"}
	require.Equal(t, LibraryCrate, Classify(inv))
}

func TestClassifyBuildScriptCompilation(t *testing.T) {
	inv := Invocation{
		CompileMode: "build",
		Outputs:     []string{"build_script_build-abcd1234", "build-script-build"},
	}
	require.Equal(t, BuildScriptCompilation, Classify(inv))
}

func TestClassifyBuildScriptExecution(t *testing.T) {
	inv := Invocation{CompileMode: "run-custom-build", Outputs: []string{"out"}}
	require.Equal(t, BuildScriptExecution, Classify(inv))
}

func TestClassifyUnsupportedForNonLibraryKind(t *testing.T) {
	inv := Invocation{Kind: []string{"bin"}, Outputs: []string{"foo"}, CompileMode: "build"}
	require.Equal(t, Unsupported, Classify(inv))
}

func TestIsLibraryCrateRecognizesAllLibraryKinds(t *testing.T) {
	for _, k := range []string{"lib", "rlib", "dylib", "staticlib", "cdylib", "proc-macro"} {
		require.True(t, IsLibraryCrate(Invocation{Kind: []string{k}}), "kind %q", k)
	}
	require.False(t, IsLibraryCrate(Invocation{Kind: []string{"bin"}}))
}

func TestParseBuildPlan(t *testing.T) {
	raw := []byte(`{"invocations":[{"package_name":"foo","target_crate_name":"foo","kind":["lib"],"outputs":["libfoo.rlib"],"compile_mode":"build","unit_hash":"abc"}]}`)
	plan, err := ParseBuildPlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Invocations, 1)
	require.Equal(t, "foo", plan.Invocations[0].PackageName)
}

func TestParseBuildPlanRejectsMalformedJSON(t *testing.T) {
	_, err := ParseBuildPlan([]byte("not json"))
	require.Error(t, err)
}
