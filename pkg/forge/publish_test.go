package forge_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"darwin/internal/mocks"
	"darwin/pkg/forge"
	"darwin/pkg/patch"
)

const configFile = `package config

const (
	MaxRetries = 3
	Timeout    = 10
)
`

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newFix() forge.FixRequest {
	return forge.FixRequest{
		FilePath:      "config/config.go",
		OriginalCode:  "MaxRetries = 3",
		SuggestedCode: "MaxRetries = 5",
		Title:         "Raise retry limit for checkout",
		Body:          "Checkout fails under load.",
	}
}

func TestPublishFix(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	now := time.Unix(1700000000, 0)
	publisher := forge.NewPublisher(client).WithClock(fixedClock(now))

	ref, err := publisher.PublishFix(context.Background(), newFix())
	require.NoError(t, err)

	assert.Equal(t, 1, ref.Number)
	assert.Equal(t, "darwin/raise-retry-limit-for-checkout-1700000000", ref.BranchName)
	assert.Equal(t, patch.MethodExact, ref.Method)
	assert.Equal(t, "main-1", ref.BaseSHA)

	content, ok := client.File(ref.BranchName, "config/config.go")
	require.True(t, ok)
	assert.Contains(t, content, "MaxRetries = 5")
	assert.NotContains(t, content, "MaxRetries = 3")

	// main is untouched
	mainContent, _ := client.File("main", "config/config.go")
	assert.Equal(t, configFile, mainContent)

	require.Len(t, client.UpdateFileCalls, 1)
	assert.Equal(t, "Darwin: Raise retry limit for checkout", client.UpdateFileCalls[0].Message)

	require.Len(t, client.CreatePRCalls, 1)
	assert.Equal(t, "main", client.CreatePRCalls[0].Base)
	assert.Equal(t, ref.BranchName, client.CreatePRCalls[0].Head)

	require.Len(t, client.AddLabelsCalls, 1)
	assert.Equal(t, []string{"darwin-fix", "auto-generated"}, client.AddLabelsCalls[0].Labels)
}

func TestPublishFixNoMatchLeavesRepositoryUntouched(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	publisher := forge.NewPublisher(client)

	req := newFix()
	req.OriginalCode = "MaxRetries = 99"

	_, err := publisher.PublishFix(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, patch.ErrNoMatch))

	assert.Empty(t, client.CreateBranchCalls)
	assert.Empty(t, client.UpdateFileCalls)
	assert.Empty(t, client.CreatePRCalls)
}

func TestPublishFixMissingFile(t *testing.T) {
	client := mocks.NewMockForgeClient(nil)
	publisher := forge.NewPublisher(client)

	_, err := publisher.PublishFix(context.Background(), newFix())
	require.Error(t, err)
	assert.True(t, errors.Is(err, forge.ErrFileNotFound))
	assert.Empty(t, client.CreateBranchCalls)
}

func TestPublishFixReusesExistingBranch(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	now := time.Unix(1700000000, 0)
	publisher := forge.NewPublisher(client).WithClock(fixedClock(now))

	branch := forge.BranchName(newFix().Title, now)
	require.NoError(t, client.CreateBranch(context.Background(), branch, "main-1"))

	ref, err := publisher.PublishFix(context.Background(), newFix())
	require.NoError(t, err)
	assert.Equal(t, branch, ref.BranchName)
	assert.Len(t, client.CreatePRCalls, 1)
}

func TestPublishFixWriteConflict(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	publisher := forge.NewPublisher(client)

	// Another commit lands between the read and the write.
	client.GetFileFunc = func(_ context.Context, path, _ string) (*forge.FileContent, error) {
		return &forge.FileContent{Path: path, Content: configFile, SHA: "stale"}, nil
	}

	_, err := publisher.PublishFix(context.Background(), newFix())
	require.Error(t, err)
	assert.True(t, errors.Is(err, forge.ErrWriteConflict))
	assert.Empty(t, client.CreatePRCalls)
}

func TestPublishFixLabelFailureIsNotFatal(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	client.AddLabelsFunc = func(_ context.Context, _ int, _ []string) error {
		return forge.NewAPIError("add labels", 403, []byte("forbidden"))
	}
	publisher := forge.NewPublisher(client)

	ref, err := publisher.PublishFix(context.Background(), newFix())
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Number)
}

func TestPublishFixPROpenFailure(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	client.CreatePRFunc = func(_ context.Context, _ forge.PRCreateOptions) (*forge.PullRequest, error) {
		return nil, forge.NewAPIError("create pull request", 401, []byte("Bad credentials"))
	}
	publisher := forge.NewPublisher(client)

	_, err := publisher.PublishFix(context.Background(), newFix())
	require.Error(t, err)
	assert.True(t, errors.Is(err, forge.ErrUnauthorized))
	assert.True(t, strings.Contains(err.Error(), "Bad credentials"))
}

func TestPublishFixBranchesAreUniquePerSecond(t *testing.T) {
	client := mocks.NewMockForgeClient(map[string]string{"config/config.go": configFile})
	start := time.Unix(1700000000, 0)

	first, err := forge.NewPublisher(client).WithClock(fixedClock(start)).PublishFix(context.Background(), newFix())
	require.NoError(t, err)
	second, err := forge.NewPublisher(client).WithClock(fixedClock(start.Add(time.Second))).PublishFix(context.Background(), newFix())
	require.NoError(t, err)

	assert.NotEqual(t, first.BranchName, second.BranchName)
	assert.NotEqual(t, first.Number, second.Number)
}
