package providers

import (
	"fmt"
	"strings"
)

// ImagePart is an image bound for a multimodal request. Every supported
// provider takes JPEG payloads base64-encoded, so the media type is fixed.
type ImagePart struct {
	Name string
	Data []byte
}

const ImageMediaType = "image/jpeg"

// SplitParts flattens a message and its attachments into the shared
// multimodal shape: one text block and an ordered list of image parts. Image
// attachments become image parts; every other attachment kind is inlined into
// the text as a named file block. Attachments without payloads are skipped.
// Each provider client serializes the result into its own part ordering.
func SplitParts(message string, attachments []Attachment) (string, []ImagePart) {
	var images []ImagePart
	var sb strings.Builder
	sb.WriteString(message)

	for _, att := range attachments {
		if len(att.Payload) == 0 {
			continue
		}
		if att.Kind == AttachmentImage {
			images = append(images, ImagePart{Name: att.Name, Data: att.Payload})
			continue
		}
		fmt.Fprintf(&sb, "\n\n[File: %s]\n%s", att.Name, string(att.Payload))
	}

	return sb.String(), images
}
