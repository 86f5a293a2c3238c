package jqgo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
	"github.com/ahrdadan/jqgo/pkg/jqgo/jqgotest"
)

const site = "http://localhost"

func newSession(t *testing.T, b *jqgotest.Browser) *jqgo.Session {
	t.Helper()
	sess := jqgo.New(b, jqgo.Config{
		Site:         site,
		PollInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// nodeBrowser serves /node with three teaser links and an empty list.
func nodeBrowser() *jqgotest.Browser {
	return jqgotest.NewBrowser().Route(site+"/node", &jqgotest.Document{
		Nodes: map[string][]*jqgotest.Element{
			"h2 a": {
				{Text: "First post"},
				{Text: "Second post"},
				{Text: "Third post"},
			},
			"ul.menu": {
				{Children: map[string][]*jqgotest.Element{
					"li": {{Text: "Home"}, {Text: "About", Classes: []string{"active"}}},
				}},
			},
			"#title": {{Text: "Nodes", Attrs: map[string]string{"data-id": "7"}}},
		},
	})
}

func visit(t *testing.T, ctx context.Context, sess *jqgo.Session, path string) *jqgotest.Page {
	t.Helper()
	require.NoError(t, sess.Visit(ctx, path))
	page, err := sess.Page(ctx)
	require.NoError(t, err)
	return page.(*jqgotest.Page)
}
