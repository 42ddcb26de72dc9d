package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"qscore", "version"}, &stdout, &stderr)
	assert.Zero(t, code)
	assert.Contains(t, stdout.String(), "qscore")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"qscore", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestValidateEmbeddedSeeds(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"qscore", "validate"}, &stdout, &stderr)
	assert.Zero(t, code, stderr.String())
	assert.Contains(t, stdout.String(), "CompanyQuality")
	assert.Contains(t, stdout.String(), "ok")
}

func TestExportRequiresBucket(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"qscore", "export"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "ARCHIVE_BUCKET")
}
