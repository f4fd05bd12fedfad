package aiclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp Response
	err  error
}

func (s stubClient) CreateMessage(ctx context.Context, req Request) (Response, error) {
	return s.resp, s.err
}

func TestCategorizeParsesValidJSON(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: `{"type":"insight","observation":"learned something","concepts":["go","testing"],"importance":7,"agentInsights":["a"],"recommendations":["b"]}`}}}}
	c := New(client, false)

	cat, err := c.Categorize(context.Background(), "observation text")
	require.NoError(t, err)
	assert.Equal(t, "insight", cat.Type)
	assert.Equal(t, []string{"go", "testing"}, cat.Concepts)
	assert.Equal(t, 7, cat.Importance)
}

func TestCategorizeStripsMarkdownFence(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: "```json\n{\"type\":\"decision\",\"observation\":\"chose X\"}\n```"}}}}
	c := New(client, false)

	cat, err := c.Categorize(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "decision", cat.Type)
	assert.Equal(t, []string{}, cat.Concepts)
}

func TestCategorizeNormalizesUnknownType(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: `{"type":"mystery","observation":"x"}`}}}}
	c := New(client, false)

	cat, err := c.Categorize(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "pattern-usage", cat.Type)
}

func TestCategorizeClampsImportance(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: `{"type":"insight","observation":"x","importance":99}`}}}}
	c := New(client, false)

	cat, err := c.Categorize(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 10, cat.Importance)
}

func TestCategorizeCoercesNonArrayConcepts(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: `{"type":"insight","observation":"x","concepts":"not-an-array"}`}}}}
	c := New(client, false)

	cat, err := c.Categorize(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{}, cat.Concepts)
}

func TestCategorizeFallsBackToRulesOnCallFailure(t *testing.T) {
	client := stubClient{err: errors.New("network down")}
	c := New(client, true, WithMaxRetries(0))

	cat, err := c.Categorize(context.Background(), "an error occurred during build")
	require.NoError(t, err)
	assert.Equal(t, "error-resolution", cat.Type)

	m := c.GetMetrics()
	assert.Equal(t, 1, m.RuleFallbacks)
	assert.Equal(t, 1, m.CallFailures)
}

func TestCategorizeReturnsErrorWithoutFallback(t *testing.T) {
	client := stubClient{err: errors.New("network down")}
	c := New(client, false, WithMaxRetries(0))

	_, err := c.Categorize(context.Background(), "x")
	assert.Error(t, err)
}

func TestCategorizeNilClientAlwaysFallsBack(t *testing.T) {
	c := New(nil, true)
	cat, err := c.Categorize(context.Background(), "we decided to use postgres")
	require.NoError(t, err)
	assert.Equal(t, "decision", cat.Type)
}

func TestCategorizeFallsBackOnInvalidJSON(t *testing.T) {
	client := stubClient{resp: Response{Content: []ContentBlock{{Text: "not json at all"}}}}
	c := New(client, true, WithMaxRetries(0))

	cat, err := c.Categorize(context.Background(), "insight: learned about retries")
	require.NoError(t, err)
	assert.Equal(t, "insight", cat.Type)

	m := c.GetMetrics()
	assert.Equal(t, 1, m.RuleFallbacks)
}
