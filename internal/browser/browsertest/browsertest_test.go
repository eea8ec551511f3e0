package browsertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/browser"
	"github.com/rendis/e2ekit/pkg/schema"
)

func TestSession_Emit(t *testing.T) {
	s := NewSession(context.Background(), schema.DefaultViewport)

	var got []browser.Response
	s.OnResponse(func(r browser.Response) { got = append(got, r) })

	s.Emit(browser.Response{Method: "POST", URL: "http://x/users", Status: 201, Body: []byte(`{"id":"1"}`)})
	s.Emit(browser.Response{Method: "GET", URL: "http://x/users", Status: 200, Body: []byte(`[]`)})

	require.Len(t, got, 2)
	assert.True(t, got[0].OK())
	assert.NotNil(t, got[0].Body)
	assert.Nil(t, got[1].Body)
}

func TestSession_CloseStopsDelivery(t *testing.T) {
	s := NewSession(context.Background(), schema.DefaultViewport)
	n := 0
	s.OnResponse(func(browser.Response) { n++ })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	s.Emit(browser.Response{Method: "POST", Status: 200})

	assert.Equal(t, 0, n)
	assert.True(t, s.Closed())
	assert.Error(t, s.Context().Err())
}

func TestFactory_Open(t *testing.T) {
	f := &Factory{}
	s, err := f.Open(context.Background(), schema.ViewportSpec{Width: 375, Height: 667})
	require.NoError(t, err)
	assert.Equal(t, 375, s.Viewport().Width)
	assert.Len(t, f.Sessions, 1)
}
