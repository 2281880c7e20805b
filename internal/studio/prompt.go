package studio

import (
	"fmt"
	"path"
	"strings"
)

// MessagePart is one ordered content part of a chat message (spec §3:
// content is either a string or an ordered list of {kind: text|image}).
type MessagePart struct {
	Kind    string // "text" or "image"
	Text    string
	DataURI string
	URL     string
}

// Message is the chat-request message shape spec §3 defines.
type Message struct {
	Role  string // "system" | "user" | "assistant"
	Parts []MessagePart
}

var roleLabels = map[string]string{"user": "用户", "assistant": "助手"}

// BuildPrompt implements spec §4.2.1 phase 8: separate system messages
// from the transcript, concatenate the remainder with role-prefixed
// lines, inline image references as "[filename]" tokens at the end of
// their bearing message, and collect images in message order. Ported
// verbatim in semantics from original_source/api_utils/utils.py's
// prepare_combined_prompt, including its "用户:"/"助手:" role labels.
func BuildPrompt(messages []Message) (systemPrompt, prompt string, images []ImageRef) {
	var systemParts []string
	var combinedParts []string
	imageCounter := 1

	for _, msg := range messages {
		if msg.Role == "system" {
			if text := flattenText(msg.Parts); text != "" {
				systemParts = append(systemParts, strings.TrimSpace(text))
			}
			continue
		}

		rolePrefix := roleLabels[msg.Role]
		if rolePrefix == "" {
			rolePrefix = strings.ToUpper(msg.Role[:1]) + msg.Role[1:]
		}

		var textParts []string
		var messageImageTags []string
		for _, part := range msg.Parts {
			switch part.Kind {
			case "text":
				textParts = append(textParts, part.Text)
			case "image":
				filename, ref := resolveImage(part, imageCounter)
				images = append(images, ref)
				messageImageTags = append(messageImageTags, "["+filename+"]")
				imageCounter++
			}
		}

		contentStr := strings.TrimSpace(strings.Join(textParts, "\n"))
		if contentStr == "" && len(messageImageTags) == 0 {
			continue
		}

		messageContent := contentStr
		if len(messageImageTags) > 0 {
			tagLine := " " + strings.Join(messageImageTags, " ")
			if messageContent != "" {
				messageContent += tagLine
			} else {
				messageContent = strings.TrimSpace(tagLine)
			}
		}

		combinedParts = append(combinedParts, fmt.Sprintf("%s: %s", rolePrefix, messageContent))
	}

	return strings.Join(systemParts, "\n\n"), strings.Join(combinedParts, "\n\n"), images
}

func flattenText(parts []MessagePart) string {
	var out []string
	for _, p := range parts {
		if p.Kind == "text" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, "\n")
}

func resolveImage(part MessagePart, counter int) (filename string, ref ImageRef) {
	if part.DataURI != "" {
		ext := "png"
		if idx := strings.Index(part.DataURI, ";base64,"); idx > 0 {
			if slash := strings.Index(part.DataURI[:idx], "/"); slash > 0 {
				ext = part.DataURI[slash+1 : idx]
			}
		}
		filename = fmt.Sprintf("image_%d.%s", counter, ext)
		return filename, ImageRef{Filename: filename, DataURI: part.DataURI}
	}

	filename = path.Base(strings.SplitN(part.URL, "?", 2)[0])
	if filename == "" || filename == "." || !strings.Contains(filename, ".") {
		filename = fmt.Sprintf("image_%d.png", counter)
	}
	return filename, ImageRef{Filename: filename, URL: part.URL}
}
