package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	t.Setenv("VOICELOOP_SYNTHESIS_VOICE", "af_bella")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--llm", "mock", "--silence-duration", "1.5"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	dump := out.String()
	assert.Contains(t, dump, "provider: mock")
	assert.Contains(t, dump, "silence_duration: 1.5s")
	assert.Contains(t, dump, "voice: af_bella")
	assert.Contains(t, dump, "<redacted>")
	assert.NotContains(t, dump, "sk-secret")
}

func TestRootCommand_ReportsErrorOnce(t *testing.T) {
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"unexpected"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetErr(nil)
	})

	require.Error(t, rootCmd.Execute())
	assert.Equal(t, 1, strings.Count(errOut.String(), "Error:"))
	assert.Contains(t, errOut.String(), "unexpected")
}
