package core_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/cpu"

	"github.com/patrikhermansson/recall/core"
)

func TestCPUFeatures(t *testing.T) {
	features := core.CPUFeatures()
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, cpu.X86.HasAVX2, contains(features, "avx2"))
		assert.Equal(t, cpu.X86.HasAVX, contains(features, "avx"))
	}
	seen := map[string]bool{}
	for _, f := range features {
		assert.False(t, seen[f], "feature %s listed twice", f)
		seen[f] = true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
