package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidJobID(t *testing.T) {
	assert.True(t, ValidJobID("0a1b2c3d-4e5f-6789-abcd-ef0123456789"))
	assert.True(t, ValidJobID("simple"))
	assert.False(t, ValidJobID(""))
	assert.False(t, ValidJobID("has space"))
	assert.False(t, ValidJobID("../traversal"))
	assert.False(t, ValidJobID("colon:inside"))
}

func TestValidFilename(t *testing.T) {
	assert.True(t, ValidFilename("main.py"))
	assert.True(t, ValidFilename("My_File-2.cpp"))
	assert.False(t, ValidFilename(""))
	assert.False(t, ValidFilename("../../etc/passwd"))
	assert.False(t, ValidFilename("a/b.py"))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobProcessing.Terminal())
	assert.False(t, JobUnknown.Terminal())
}

func TestValidLanguage(t *testing.T) {
	for _, l := range Languages() {
		assert.True(t, ValidLanguage(string(l)))
	}
	assert.False(t, ValidLanguage("ruby"))
	assert.False(t, ValidLanguage(""))
}
