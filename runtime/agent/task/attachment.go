package task

import (
	"strings"

	"goa.design/planact/runtime/agent/model"
)

// AttachmentKind classifies an ingested file.
type AttachmentKind string

const (
	AttachmentText    AttachmentKind = "text"
	AttachmentImage   AttachmentKind = "image"
	AttachmentAudio   AttachmentKind = "audio"
	AttachmentTabular AttachmentKind = "tabular"
)

// Attachment is a file supplied with the question. It is immutable after
// ingestion.
type Attachment struct {
	// Name is the original file name.
	Name string
	// Path is the location of the downloaded file.
	Path string
	// Kind is the classification.
	Kind AttachmentKind
	// MIMEType is the detected media type.
	MIMEType string
	// Data holds the raw bytes of image attachments.
	Data []byte
	// Text holds decoded text or the flattened table.
	Text string
}

// ImagePart returns the inline image part for image attachments.
func (a *Attachment) ImagePart() (model.ImagePart, bool) {
	if a == nil || a.Kind != AttachmentImage {
		return model.ImagePart{}, false
	}
	return model.ImagePart{Format: a.imageFormat(), Bytes: a.Data}, true
}

// DataURL returns the inline encoding of an image attachment, or "" for other
// kinds. It is derived from the immutable bytes so every stage embeds exactly
// the same content.
func (a *Attachment) DataURL() string {
	p, ok := a.ImagePart()
	if !ok {
		return ""
	}
	return p.DataURL()
}

// Fold appends the attachment to prompt and returns the resulting parts: images
// are embedded inline, audio is referenced by path, and any other kind is
// inlined as text.
func (a *Attachment) Fold(prompt string) []model.Part {
	if a == nil {
		return []model.Part{model.TextPart{Text: prompt}}
	}
	switch a.Kind {
	case AttachmentImage:
		img, _ := a.ImagePart()
		return []model.Part{model.TextPart{Text: prompt}, img}
	case AttachmentAudio:
		return []model.Part{model.TextPart{Text: prompt + "\n\nYou can use the following audio file to answer the question:\n" + a.Path}}
	default:
		return []model.Part{model.TextPart{Text: prompt + "\n\nYou can use the following information to answer the question:\n" + a.Text}}
	}
}

func (a *Attachment) imageFormat() model.ImageFormat {
	switch strings.ToLower(strings.TrimPrefix(a.MIMEType, "image/")) {
	case "jpeg", "jpg":
		return model.ImageFormatJPEG
	case "gif":
		return model.ImageFormatGIF
	case "webp":
		return model.ImageFormatWEBP
	default:
		return model.ImageFormatPNG
	}
}
