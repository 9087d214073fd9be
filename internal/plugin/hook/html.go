package hook

import (
	"context"
	"sort"
	"strings"

	"github.com/dshills/buildstorm/internal/plugin"
)

// BuiltinHTMLPass is the host's own HTML rewriting step. Hook order is
// evaluated relative to it: pre hooks run before, default and post
// hooks run after.
type BuiltinHTMLPass func(ctx context.Context, html string) (string, error)

// TransformIndexHTML runs the transformIndexHtml hooks around the
// built-in HTML pass. Pre-ordered hooks see the raw document; the
// built-in pass sees their output; default- and post-ordered hooks see
// the host-processed document. A nil builtin skips the host step.
func (p *Pipeline) TransformIndexHTML(ctx context.Context, html string, builtin BuiltinHTMLPass) (string, error) {
	var pre, after []orderedEntry
	for _, pl := range p.plugins {
		if pl.TransformIndexHTML == nil || pl.TransformIndexHTML.Handler == nil {
			continue
		}
		e := orderedEntry{pl: pl, order: pl.TransformIndexHTML.Order}
		if e.order == plugin.OrderPre {
			pre = append(pre, e)
		} else {
			after = append(after, e)
		}
	}

	out := html
	var err error
	if out, err = p.applyHTMLHooks(ctx, out, pre); err != nil {
		return "", err
	}
	if builtin != nil {
		if out, err = builtin(ctx, out); err != nil {
			return "", err
		}
	}
	if out, err = p.applyHTMLHooks(ctx, out, byOrder(after)); err != nil {
		return "", err
	}
	return out, nil
}

func (p *Pipeline) applyHTMLHooks(ctx context.Context, html string, entries []orderedEntry) (string, error) {
	for _, e := range entries {
		hctx := p.bind(e.pl, nameTransformIndexHTML)
		res, err := e.pl.TransformIndexHTML.Handler(ctx, hctx, html)
		if err != nil {
			return "", hctx.Error(err)
		}
		if res == nil {
			continue
		}
		if res.HTML != "" {
			html = res.HTML
		}
		html = injectTags(html, res.Tags)
	}
	return html, nil
}

// injectTags inserts serialized tags at their requested document
// positions. Missing <head>/<body> markers degrade to prepending or
// appending at the document edges.
func injectTags(html string, tags []plugin.HTMLTag) string {
	for _, tag := range tags {
		s := renderTag(tag)
		switch tag.Inject {
		case plugin.InjectHeadPrepend:
			html = insertAfter(html, "<head>", s)
		case plugin.InjectBodyPrepend:
			html = insertAfter(html, "<body>", s)
		case plugin.InjectBody:
			html = insertBefore(html, "</body>", s)
		default: // InjectHead
			html = insertBefore(html, "</head>", s)
		}
	}
	return html
}

// insertAfter falls back to prepending when the marker is absent.
func insertAfter(html, marker, s string) string {
	if i := strings.Index(html, marker); i >= 0 {
		at := i + len(marker)
		return html[:at] + s + html[at:]
	}
	return s + html
}

// insertBefore falls back to appending when the marker is absent.
func insertBefore(html, marker, s string) string {
	if i := strings.Index(html, marker); i >= 0 {
		return html[:i] + s + html[i:]
	}
	return html + s
}

// voidTags never take a closing tag.
var voidTags = map[string]bool{
	"base": true, "link": true, "meta": true, "source": true, "track": true,
}

// renderTag serializes one injected tag. Attributes are emitted in
// sorted order so output is deterministic.
func renderTag(t plugin.HTMLTag) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(t.Name)

	keys := make([]string, 0, len(t.Attrs))
	for k := range t.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(t.Attrs[k])
		b.WriteByte('"')
	}
	b.WriteByte('>')

	if voidTags[t.Name] {
		return b.String()
	}
	b.WriteString(t.Children)
	b.WriteString("</")
	b.WriteString(t.Name)
	b.WriteByte('>')
	return b.String()
}
