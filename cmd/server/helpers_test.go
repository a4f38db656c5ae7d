package main

import (
	"bytes"
	"mime/multipart"
)

// newMultipart writes a one-file form into buf and returns its content type.
func newMultipart(buf *bytes.Buffer, name, body string) string {
	mw := multipart.NewWriter(buf)
	part, _ := mw.CreateFormFile("file", name)
	_, _ = part.Write([]byte(body))
	_ = mw.Close()
	return mw.FormDataContentType()
}
