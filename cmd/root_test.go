package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApp struct {
	served, consumed bool
}

func (f *fakeApp) Serve(context.Context) error { f.served = true; return nil }
func (f *fakeApp) Consume(context.Context) error { f.consumed = true; return nil }

func withFactory(t *testing.T, factory func(context.Context, string) (App, error)) {
	t.Helper()
	orig := newApp
	newApp = factory
	t.Cleanup(func() { newApp = orig })
}

func TestSubcommandsRunApp(t *testing.T) {
	app := &fakeApp{}
	var gotPath string
	withFactory(t, func(_ context.Context, path string) (App, error) {
		gotPath = path
		return app, nil
	})

	root := newRootCmd()
	root.SetArgs([]string{"--config", "gateway.yaml", "serve"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.True(t, app.served)
	assert.Equal(t, "gateway.yaml", gotPath)

	root = newRootCmd()
	root.SetArgs([]string{"consume"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.True(t, app.consumed)
}

func TestFactoryErrorStopsCommand(t *testing.T) {
	withFactory(t, func(context.Context, string) (App, error) {
		return nil, errors.New("bad config")
	})

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SilenceErrors = true
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
}

func TestResolveAppWithoutInit(t *testing.T) {
	t.Parallel()
	_, err := resolveApp(context.Background())
	require.Error(t, err)
}
