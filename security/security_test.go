package security_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/security"
)

func TestKeywordGateBlocksOnBlockedKeyword(t *testing.T) {
	g := security.NewKeywordGate([]string{"secret"}, []string{"caution"})

	v, err := g.CheckInput(context.Background(), "this has a SECRET in it")
	require.NoError(t, err)
	assert.Equal(t, security.Block, v.Status)
}

func TestKeywordGateWarnsOnWarnKeyword(t *testing.T) {
	g := security.NewKeywordGate([]string{"secret"}, []string{"caution"})

	v, err := g.CheckOutput(context.Background(), "proceed with caution here")
	require.NoError(t, err)
	assert.Equal(t, security.Warn, v.Status)
}

func TestKeywordGateAllowsCleanContent(t *testing.T) {
	g := security.NewKeywordGate([]string{"secret"}, []string{"caution"})

	v, err := g.CheckInput(context.Background(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, security.Allow, v.Status)
}

type erroringGate struct{}

func (erroringGate) CheckInput(context.Context, string) (security.Verdict, error) {
	return security.Verdict{}, errors.New("backend unavailable")
}
func (erroringGate) CheckOutput(context.Context, string) (security.Verdict, error) {
	return security.Verdict{}, errors.New("backend unavailable")
}

func TestFailOpenTurnsErrorsIntoAllow(t *testing.T) {
	g := security.FailOpen(erroringGate{})
	v, err := g.CheckInput(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, security.Allow, v.Status)
}

type alwaysBlockGate struct{}

func (alwaysBlockGate) CheckInput(context.Context, string) (security.Verdict, error) {
	return security.Verdict{Status: security.Block, Reason: "nope"}, nil
}
func (alwaysBlockGate) CheckOutput(context.Context, string) (security.Verdict, error) {
	return security.Verdict{Status: security.Block, Reason: "nope"}, nil
}

func TestWithFlagsDisablesCheckWithoutConsultingInnerGate(t *testing.T) {
	g := security.WithFlags(alwaysBlockGate{}, false, false)

	in, err := g.CheckInput(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, security.Allow, in.Status)

	out, err := g.CheckOutput(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, security.Allow, out.Status)
}

func TestWithFlagsEnabledConsultsInnerGate(t *testing.T) {
	g := security.WithFlags(alwaysBlockGate{}, true, true)

	in, err := g.CheckInput(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, security.Block, in.Status)
}
