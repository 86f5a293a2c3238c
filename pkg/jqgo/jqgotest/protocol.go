package jqgotest

import (
	"encoding/json"
	"strings"

	"github.com/ahrdadan/jqgo/pkg/jqgo"
)

// collection stands for a returned element set, which the protocol coerces to false.
type collection struct{}

// protocol answers one evaluation request. It returns the response and the
// URL of a navigation the invoked method started. p.mu is held.
func (p *Page) protocol(req jqgo.EvalRequest) (jqgo.EvalResponse, string) {
	p.calls = append(p.calls, req.Method)
	if !p.library {
		return jqgo.EvalResponse{Instance: -1, Length: -1, Code: "no_library", Error: "query library not loaded"}, ""
	}
	if p.reg == nil || p.reg.generation != req.Generation {
		p.reg = &registry{generation: req.Generation, keys: make(map[string]int)}
	}

	instance := req.Instance
	var set []*Element
	if instance >= 0 && instance < len(p.reg.handles) {
		set = p.reg.handles[instance]
	} else {
		set = p.query(req.Selector, req.Context)
		key, _ := json.Marshal([]interface{}{req.Selector, req.Context})
		if slot, ok := p.reg.keys[string(key)]; ok {
			instance = slot
			p.reg.handles[slot] = set
		} else {
			p.reg.handles = append(p.reg.handles, set)
			instance = len(p.reg.handles) - 1
			p.reg.keys[string(key)] = instance
		}
	}

	target := set
	if req.Index >= 0 {
		target = nil
		if req.Index < len(set) {
			target = set[req.Index : req.Index+1]
		}
	}

	resp := jqgo.EvalResponse{Instance: instance, Length: len(set)}
	var value interface{} = len(set)
	var href string
	if req.Method != "" {
		v, nav, errMsg := invoke(target, req.Method, req.Args)
		if errMsg != "" {
			resp.Error = errMsg
			return resp, ""
		}
		value, href = v, nav
	}
	if _, ok := value.(collection); ok {
		value = false
	}
	resp.Value, _ = json.Marshal(value)
	return resp, href
}

// query resolves a selector or handle reference, optionally within a context.
func (p *Page) query(selector, context interface{}) []*Element {
	if ref, ok := selector.(float64); ok {
		return p.handle(ref)
	}
	sel, _ := selector.(string)
	switch ctx := context.(type) {
	case nil:
		return p.doc.Nodes[sel]
	case string:
		return children(p.doc.Nodes[ctx], sel)
	case float64:
		return children(p.handle(ctx), sel)
	}
	return nil
}

func (p *Page) handle(ref float64) []*Element {
	i := int(ref)
	if i < 0 || i >= len(p.reg.handles) {
		return nil
	}
	return p.reg.handles[i]
}

func children(parents []*Element, selector string) []*Element {
	var out []*Element
	for _, el := range parents {
		out = append(out, el.Children[selector]...)
	}
	return out
}

func visible(els []*Element) bool {
	for _, el := range els {
		if !el.Hidden {
			return true
		}
	}
	return false
}

// invoke runs a jQuery method on els. Getters read the first element, setters
// write every element and return the collection.
func invoke(els []*Element, method string, args []interface{}) (value interface{}, href, errMsg string) {
	arg := func(i int) (string, bool) {
		if i >= len(args) {
			return "", false
		}
		s, ok := args[i].(string)
		return s, ok
	}
	first := func() *Element {
		if len(els) == 0 {
			return nil
		}
		return els[0]
	}

	switch method {
	case "text":
		if v, ok := arg(0); ok {
			for _, el := range els {
				el.Text = v
			}
			return collection{}, "", ""
		}
		var sb strings.Builder
		for _, el := range els {
			sb.WriteString(el.Text)
		}
		return sb.String(), "", ""
	case "html", "val":
		if v, ok := arg(0); ok {
			for _, el := range els {
				if method == "html" {
					el.HTML = v
				} else {
					el.Value = v
				}
			}
			return collection{}, "", ""
		}
		el := first()
		if el == nil {
			return nil, "", ""
		}
		if method == "html" {
			return el.HTML, "", ""
		}
		return el.Value, "", ""
	case "attr", "prop", "css":
		name, _ := arg(0)
		if v, ok := arg(1); ok {
			for _, el := range els {
				m := el.attrs(method)
				m[name] = v
			}
			return collection{}, "", ""
		}
		el := first()
		if el == nil {
			return nil, "", ""
		}
		v, ok := el.attrs(method)[name]
		if !ok {
			return nil, "", ""
		}
		return v, "", ""
	case "addClass", "removeClass":
		class, _ := arg(0)
		for _, el := range els {
			el.Classes = without(el.Classes, class)
			if method == "addClass" {
				el.Classes = append(el.Classes, class)
			}
		}
		return collection{}, "", ""
	case "hasClass":
		class, _ := arg(0)
		for _, el := range els {
			if el.hasClass(class) {
				return true, "", ""
			}
		}
		return false, "", ""
	case "is":
		sel, _ := arg(0)
		for _, el := range els {
			if el.is(sel) {
				return true, "", ""
			}
		}
		return false, "", ""
	case "click", "submit":
		for _, el := range els {
			el.Clicks++
			if href == "" {
				href = el.Href
			}
		}
		return collection{}, href, ""
	case "trigger":
		event, _ := arg(0)
		for _, el := range els {
			el.Triggered = append(el.Triggered, event)
		}
		return collection{}, "", ""
	case "show", "hide":
		for _, el := range els {
			el.Hidden = method == "hide"
		}
		return collection{}, "", ""
	case "focus", "blur", "eq", "find", "first", "last", "parent", "children":
		return collection{}, "", ""
	case "size":
		return len(els), "", ""
	}
	return nil, "", "no such method: " + method
}

func (el *Element) attrs(kind string) map[string]string {
	if kind == "css" {
		if el.Styles == nil {
			el.Styles = make(map[string]string)
		}
		return el.Styles
	}
	if el.Attrs == nil {
		el.Attrs = make(map[string]string)
	}
	return el.Attrs
}

func (el *Element) hasClass(class string) bool {
	for _, c := range el.Classes {
		if c == class {
			return true
		}
	}
	return false
}

func (el *Element) is(selector string) bool {
	switch {
	case selector == ":visible":
		return !el.Hidden
	case selector == ":hidden":
		return el.Hidden
	case strings.HasPrefix(selector, "."):
		return el.hasClass(selector[1:])
	}
	return false
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
