package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityBits(t *testing.T) {
	c := CapGCC | CapMake | CapSandbox
	assert.True(t, c.Has(CapGCC))
	assert.True(t, c.Has(CapGCC|CapMake))
	assert.False(t, c.Has(CapGCC|CapClang))
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, "gcc|make|sandbox", c.String())
	assert.Equal(t, "none", Capability(0).String())

	parsed, err := ParseCapabilities([]string{"gcc", " MAKE ", "sandbox"})
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = ParseCapabilities([]string{"fortran"})
	assert.Error(t, err)
}

func TestCompilerCapability(t *testing.T) {
	tests := []struct {
		compiler string
		want     Capability
	}{
		{"gcc", CapGCC},
		{"/usr/bin/g++", CapGCC},
		{"x86_64-linux-gnu-gcc-12", CapGCC},
		{"cc", CapGCC},
		{"clang++", CapClang},
		{"/opt/llvm/bin/clang", CapClang},
		{`C:\VS\cl.exe`, CapMSVC},
		{"rustc", CapRustc},
		{"go", CapGo},
		{"tcc", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.compiler, func(t *testing.T) {
			assert.Equal(t, tt.want, CompilerCapability(tt.compiler))
		})
	}
}

func TestJobSpecRequiredCapabilities(t *testing.T) {
	tests := []struct {
		name string
		spec JobSpec
		want Capability
	}{
		{"compile with clang", JobSpec{Type: JobCompile, Compiler: "clang"}, CapClang},
		{"cross compile", JobSpec{Type: JobCompile, Compiler: "gcc", TargetTriple: "aarch64-linux-gnu"}, CapGCC | CapCrossCompile},
		{"link", JobSpec{Type: JobLink}, CapLinker},
		{"archive", JobSpec{Type: JobArchive}, CapArchiver},
		{"cmake configure", JobSpec{Type: JobCMakeConfigure}, CapCMake},
		{"cmake build", JobSpec{Type: JobCMakeBuild}, CapCMake},
		{"make", JobSpec{Type: JobMake}, CapMake},
		{"ninja", JobSpec{Type: JobNinja}, CapNinja},
		{"cargo", JobSpec{Type: JobCargo}, CapCargo},
		{"custom", JobSpec{Type: JobCustom}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.RequiredCapabilities())
		})
	}
}

func TestJobSpecValidate(t *testing.T) {
	assert.ErrorIs(t, (&JobSpec{}).Validate(), ErrInvalidJobSpec)
	assert.ErrorIs(t, (&JobSpec{Type: JobCompile, Compiler: "gcc"}).Validate(), ErrInvalidJobSpec)
	assert.NoError(t, (&JobSpec{Type: JobCompile, Compiler: "gcc", SourceFile: "a.c"}).Validate())
	assert.ErrorIs(t, (&JobSpec{Type: JobMake}).Validate(), ErrInvalidJobSpec)
	assert.NoError(t, (&JobSpec{Type: JobMake, BuildCommand: "make -j8"}).Validate())
}

// TestJobSpecPayloadRoundTrip checks that array fields survive embedding as a
// message payload.
func TestJobSpecPayloadRoundTrip(t *testing.T) {
	spec := JobSpec{
		JobID:        "j1",
		Type:         JobCompile,
		Priority:     PriorityHigh,
		SourceFile:   "src/main.c",
		Compiler:     "gcc",
		CompilerArgs: []string{"-O2", "-c"},
		IncludePaths: []string{"include", "/usr/local/include"},
		Env:          []EnvVar{{Name: "LANG", Value: "C"}},
	}
	msg, err := NewMessage(MsgJobRequest, "coord", spec)
	require.NoError(t, err)
	data, err := Serialize(msg)
	require.NoError(t, err)
	decoded, err := Deserialize(data)
	require.NoError(t, err)

	var got JobSpec
	require.NoError(t, decoded.Decode(&got))
	assert.Equal(t, spec, got)

	result := JobResult{
		JobID:     "j1",
		Success:   true,
		Artifacts: []ArtifactRef{{Path: "main.o", Hash: "abc"}, {Path: "main.d", Hash: "def"}},
	}
	msg, err = NewMessage(MsgJobComplete, "w", result)
	require.NoError(t, err)
	var gotResult JobResult
	require.NoError(t, msg.Decode(&gotResult))
	assert.Equal(t, result, gotResult)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "priority(9)", Priority(9).String())
}
