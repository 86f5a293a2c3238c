package jqgo

import (
	"context"

	"github.com/ysmood/gson"
)

// EventKind identifies a page lifecycle notification.
type EventKind int

const (
	LoadStarted EventKind = iota
	LoadFinished
	ResourceRequested
	ResourceReceived
	// NavigatedWithinDocument is a same-document navigation, like a fragment
	// change. No load follows it.
	NavigatedWithinDocument
)

func (k EventKind) String() string {
	switch k {
	case LoadStarted:
		return "load_started"
	case LoadFinished:
		return "load_finished"
	case ResourceRequested:
		return "resource_requested"
	case ResourceReceived:
		return "resource_received"
	case NavigatedWithinDocument:
		return "navigated_within_document"
	}
	return "unknown"
}

// Event is a lifecycle notification emitted by a Page.
type Event struct {
	Kind EventKind
	// RequestID identifies the resource for ResourceRequested and ResourceReceived.
	RequestID string
}

// Browser is the headless browser process a Session drives.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single browser tab.
type Page interface {
	// Open navigates to url and fails when the navigation does not succeed.
	Open(ctx context.Context, url string) error
	// Evaluate runs a JS function expression in the page with JSON encoded args.
	Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	IncludeJS(ctx context.Context, url string) error
	SetViewport(ctx context.Context, width, height int) error
	Render(ctx context.Context, path string) error
	UploadFile(ctx context.Context, selector, path string) error
	// OnEvent subscribes fn to lifecycle events until stop is called.
	OnEvent(fn func(Event)) (stop func())
	Close() error
}
