package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/exp/slices"

	"github.com/dreamware/forge/internal/protocol"
)

// keyVersion changes whenever the key derivation changes, so old entries stop
// matching instead of producing false hits.
const (
	keyVersion    = "forge-cache-v1"
	jobKeyVersion = "forge-job-v2"
)

// GenerateKey derives a cache key from everything that determines a compile
// output. It is a pure function of its inputs: identical inputs give the
// identical key in every process.
//
// Each field is length-prefixed, so ("ab", "c") and ("a", "bc") hash
// differently. Callers must pass every input that affects the output; a
// missing input causes false hits.
func GenerateKey(sourceFile, compiler string, flags, includePaths []string, targetTriple string) string {
	h := sha256.New()
	writeField(h, keyVersion)
	writeField(h, sourceFile)
	writeField(h, compiler)
	writeList(h, flags)
	writeList(h, includePaths)
	writeField(h, targetTriple)
	return hex.EncodeToString(h.Sum(nil))
}

// KeyForJob returns the job's explicit cache key or derives one from its
// compile inputs.
//
// A derived key covers the GenerateKey inputs (defines folded into the flags)
// plus the source content hash, working directory, environment and build
// command, since each of them changes the object produced. Jobs that are not
// compiles, or compiles without a SourceHash, return "" and are never served
// from cache.
//
// Example:
//
//	sum := sha256.Sum256(source)
//	spec.SourceHash = hex.EncodeToString(sum[:])
//	key := cache.KeyForJob(&spec)
func KeyForJob(spec *protocol.JobSpec) string {
	if spec.CacheKey != "" {
		return spec.CacheKey
	}
	if spec.Type != protocol.JobCompile || spec.SourceFile == "" || spec.SourceHash == "" {
		return ""
	}
	flags := make([]string, 0, len(spec.CompilerArgs)+len(spec.Defines))
	flags = append(flags, spec.CompilerArgs...)
	for _, d := range spec.Defines {
		flags = append(flags, "-D"+d)
	}
	env := make([]string, 0, len(spec.Env))
	for _, e := range spec.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	slices.Sort(env)

	h := sha256.New()
	writeField(h, jobKeyVersion)
	writeField(h, GenerateKey(spec.SourceFile, spec.Compiler, flags, spec.IncludePaths, spec.TargetTriple))
	writeField(h, spec.SourceHash)
	writeField(h, spec.WorkingDir)
	writeField(h, spec.BuildCommand)
	writeList(h, env)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeList(h hash.Hash, items []string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(items)))
	h.Write(n[:])
	for _, s := range items {
		writeField(h, s)
	}
}
