// Package jqgo scripts a headless browser with jQuery-style selections.
//
// A Session owns one browser page. Selections are created without touching
// the page and resolved on their first command; every command is a single
// evaluation round trip that resolves the query, caches the resulting handle
// in the page and invokes the requested method on it.
//
//	sess := jqgo.New(browser, jqgo.Config{Site: "http://localhost"})
//	defer sess.Close()
//
//	if err := sess.Visit(ctx, "/user"); err != nil {
//		return err
//	}
//	_ = sess.Query("#edit-name").SetVal(ctx, "admin")
//	_ = sess.Query("#edit-submit").Click(ctx)
//	_ = sess.WaitForPage(ctx)
//	text, err := sess.Query(`a[href="/user/logout"]`).Text(ctx)
package jqgo
