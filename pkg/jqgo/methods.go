package jqgo

import "context"

// Length resolves the selection and returns the number of matched elements.
func (s *Selection) Length(ctx context.Context) (int, error) {
	v, err := s.Invoke(ctx, "")
	if err != nil {
		return 0, err
	}
	return v.Int(), nil
}

func (s *Selection) Text(ctx context.Context) (string, error) {
	return s.str(ctx, "text")
}

func (s *Selection) SetText(ctx context.Context, text string) error {
	return s.call(ctx, "text", text)
}

func (s *Selection) HTML(ctx context.Context) (string, error) {
	return s.str(ctx, "html")
}

func (s *Selection) SetHTML(ctx context.Context, html string) error {
	return s.call(ctx, "html", html)
}

// Val returns the value of the first matched form control.
func (s *Selection) Val(ctx context.Context) (string, error) {
	return s.str(ctx, "val")
}

func (s *Selection) SetVal(ctx context.Context, value string) error {
	return s.call(ctx, "val", value)
}

func (s *Selection) Attr(ctx context.Context, name string) (string, error) {
	return s.str(ctx, "attr", name)
}

func (s *Selection) SetAttr(ctx context.Context, name, value string) error {
	return s.call(ctx, "attr", name, value)
}

// Prop returns a DOM property of the first matched element as a string.
func (s *Selection) Prop(ctx context.Context, name string) (string, error) {
	return s.str(ctx, "prop", name)
}

func (s *Selection) CSS(ctx context.Context, property string) (string, error) {
	return s.str(ctx, "css", property)
}

func (s *Selection) AddClass(ctx context.Context, class string) error {
	return s.call(ctx, "addClass", class)
}

func (s *Selection) RemoveClass(ctx context.Context, class string) error {
	return s.call(ctx, "removeClass", class)
}

func (s *Selection) HasClass(ctx context.Context, class string) (bool, error) {
	return s.boolean(ctx, "hasClass", class)
}

// Is tests the matched set against a selector.
func (s *Selection) Is(ctx context.Context, selector string) (bool, error) {
	return s.boolean(ctx, "is", selector)
}

func (s *Selection) Click(ctx context.Context) error {
	return s.call(ctx, "click")
}

func (s *Selection) Submit(ctx context.Context) error {
	return s.call(ctx, "submit")
}

func (s *Selection) Focus(ctx context.Context) error {
	return s.call(ctx, "focus")
}

func (s *Selection) Blur(ctx context.Context) error {
	return s.call(ctx, "blur")
}

// Trigger fires a named event on the matched set.
func (s *Selection) Trigger(ctx context.Context, event string) error {
	return s.call(ctx, "trigger", event)
}

func (s *Selection) Show(ctx context.Context) error {
	return s.call(ctx, "show")
}

func (s *Selection) Hide(ctx context.Context) error {
	return s.call(ctx, "hide")
}

func (s *Selection) call(ctx context.Context, method string, args ...interface{}) error {
	_, err := s.Invoke(ctx, method, args...)
	return err
}

func (s *Selection) str(ctx context.Context, method string, args ...interface{}) (string, error) {
	v, err := s.Invoke(ctx, method, args...)
	if err != nil {
		return "", err
	}
	if v.Nil() {
		return "", nil
	}
	return v.Str(), nil
}

func (s *Selection) boolean(ctx context.Context, method string, args ...interface{}) (bool, error) {
	v, err := s.Invoke(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}
