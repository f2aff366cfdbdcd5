package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jersoncarin/facebook-message-api/internal/events"
)

// Attachment types in normalized events.
const (
	AttachmentPhoto         = "photo"
	AttachmentAnimatedImage = "animated_image"
	AttachmentSticker       = "sticker"
	AttachmentFile          = "file"
	AttachmentVideo         = "video"
	AttachmentAudio         = "audio"
	AttachmentShare         = "share"
	AttachmentLocation      = "location"
	AttachmentUnknown       = "unknown"
)

type imageRef struct {
	URI    string  `json:"uri"`
	Width  FlexInt `json:"width"`
	Height FlexInt `json:"height"`
}

type textRef struct {
	Text string `json:"text"`
}

type blobAttachment struct {
	Typename           string    `json:"__typename"`
	LegacyAttachmentID FlexID    `json:"legacy_attachment_id"`
	Filename           string    `json:"filename"`
	Thumbnail          *imageRef `json:"thumbnail"`
	Preview            *imageRef `json:"preview"`
	LargePreview       *imageRef `json:"large_preview"`
	PreviewImage       *imageRef `json:"preview_image"`
	AnimatedImage      *imageRef `json:"animated_image"`
	LargeImage         *imageRef `json:"large_image"`
	OriginalDimensions *struct {
		X FlexInt `json:"x"`
		Y FlexInt `json:"y"`
	} `json:"original_dimensions"`
	PlayableURL      string  `json:"playable_url"`
	PlayableDuration FlexInt `json:"playable_duration_in_ms"`
	VideoType        string  `json:"video_type"`
	URLShimhash      string  `json:"url_shimhash"`
	AudioType        string  `json:"audio_type"`
	IsVoicemail      bool    `json:"is_voicemail"`
	MessageFileFBID  FlexID  `json:"message_file_fbid"`
	URL              string  `json:"url"`
	ContentType      string  `json:"content_type"`
}

type stickerAttachment struct {
	ID     FlexID  `json:"id"`
	URL    string  `json:"url"`
	Label  string  `json:"label"`
	Width  FlexInt `json:"width"`
	Height FlexInt `json:"height"`
	Pack   *struct {
		ID FlexID `json:"id"`
	} `json:"pack"`
}

type storyAttachment struct {
	URL               string          `json:"url"`
	TitleWithEntities *textRef        `json:"title_with_entities"`
	Description       *textRef        `json:"description"`
	Source            json.RawMessage `json:"source"`
	Media             *struct {
		Image                *imageRef `json:"image"`
		IsPlayable           bool      `json:"is_playable"`
		PlayableDurationInMs FlexInt   `json:"playable_duration_in_ms"`
	} `json:"media"`
	Target *struct {
		Typename string `json:"__typename"`
	} `json:"target"`
	Properties json.RawMessage `json:"properties"`
}

type extensibleAttachment struct {
	LegacyAttachmentID FlexID           `json:"legacy_attachment_id"`
	StoryAttachment    *storyAttachment `json:"story_attachment"`
	Subattachments     json.RawMessage  `json:"subattachments"`
}

type legacyMetadata struct {
	FBID       FlexID          `json:"fbid"`
	URL        string          `json:"url"`
	Dimensions json.RawMessage `json:"dimensions"`
	Duration   FlexInt         `json:"duration"`
	StickerID  FlexID          `json:"stickerID"`
	PackID     FlexID          `json:"packID"`
	Width      FlexInt         `json:"width"`
	Height     FlexInt         `json:"height"`
}

type legacyShare struct {
	ShareID     FlexID          `json:"share_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Source      string          `json:"source"`
	URI         string          `json:"uri"`
	Subs        json.RawMessage `json:"subattachments"`
	Media       *struct {
		Image     string `json:"image"`
		ImageSize *struct {
			Width  FlexInt `json:"width"`
			Height FlexInt `json:"height"`
		} `json:"image_size"`
		Playable bool    `json:"playable"`
		Duration FlexInt `json:"duration"`
	} `json:"media"`
}

type attachmentSource struct {
	FBID            FlexID          `json:"fbid"`
	AttachType      string          `json:"attach_type"`
	Name            string          `json:"name"`
	FileName        string          `json:"fileName"`
	URL             string          `json:"url"`
	ThumbnailURL    string          `json:"thumbnail_url"`
	PreviewURL      string          `json:"preview_url"`
	LargePreviewURL string          `json:"large_preview_url"`
	Metadata        *legacyMetadata `json:"metadata"`
	Share           *legacyShare    `json:"share"`

	Blob       *blobAttachment       `json:"blob_attachment"`
	Sticker    *stickerAttachment    `json:"sticker_attachment"`
	Extensible *extensibleAttachment `json:"extensible_attachment"`
}

// pendingPhoto marks an attachment whose full-size URL must be looked up.
type pendingPhoto struct {
	index   int
	photoID string
}

// formatAttachments normalizes a message's attachments in order. Attachments
// that fail to normalize are kept as AttachmentUnknown with the raw payload
// and the error. The returned list names legacy photos that still need their
// URL resolved.
func formatAttachments(raws []json.RawMessage) ([]events.Attachment, []pendingPhoto) {
	out := make([]events.Attachment, 0, len(raws))
	var pending []pendingPhoto
	for i, raw := range raws {
		att, photoID, err := FormatAttachment(raw)
		if err != nil {
			att = events.Attachment{Type: AttachmentUnknown, Raw: raw, Error: err.Error()}
		}
		if photoID != "" {
			pending = append(pending, pendingPhoto{index: i, photoID: photoID})
		}
		out = append(out, att)
	}
	return out, pending
}

// FormatAttachment normalizes one attachment record. The record may wrap its
// content in "mercury" (an object) or "mercuryJSON" (the same object encoded
// as a string). The second return is the photo id to resolve for legacy
// photo attachments, or "".
func FormatAttachment(raw json.RawMessage) (events.Attachment, string, error) {
	var outer struct {
		FBID        FlexID          `json:"fbid"`
		Mercury     json.RawMessage `json:"mercury"`
		MercuryJSON string          `json:"mercuryJSON"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil {
		return events.Attachment{}, "", fmt.Errorf("attachment is not an object: %w", err)
	}

	body := raw
	switch {
	case outer.MercuryJSON != "":
		body = json.RawMessage(outer.MercuryJSON)
	case len(outer.Mercury) > 0 && !bytes.Equal(outer.Mercury, []byte("null")):
		body = outer.Mercury
	}

	var src attachmentSource
	if err := json.Unmarshal(body, &src); err != nil {
		return events.Attachment{}, "", fmt.Errorf("decode attachment: %w", err)
	}
	if src.FBID == "" {
		src.FBID = outer.FBID
	}
	return src.format()
}

func (src *attachmentSource) format() (events.Attachment, string, error) {
	switch {
	case src.Blob != nil && src.Blob.Typename != "":
		att, err := src.Blob.format()
		return att, "", err
	case src.AttachType != "":
		return src.formatLegacy()
	case src.Sticker != nil:
		return src.Sticker.format(), "", nil
	case src.Extensible != nil:
		att, err := src.Extensible.format()
		return att, "", err
	default:
		return events.Attachment{}, "", errors.New("unrecognized attachment")
	}
}

func (b *blobAttachment) format() (events.Attachment, error) {
	att := events.Attachment{ID: string(b.LegacyAttachmentID), Filename: b.Filename}
	if b.OriginalDimensions != nil {
		att.Width = int(b.OriginalDimensions.X)
		att.Height = int(b.OriginalDimensions.Y)
	}

	switch b.Typename {
	case "MessageImage":
		att.Type = AttachmentPhoto
		att.ThumbnailURL = b.Thumbnail.uri()
		att.PreviewURL = b.Preview.uri()
		att.LargePreview = b.LargePreview.uri()
		att.URL = b.LargePreview.uri()
	case "MessageAnimatedImage":
		att.Type = AttachmentAnimatedImage
		att.PreviewURL = b.PreviewImage.uri()
		att.ThumbnailURL = b.PreviewImage.uri()
		att.URL = b.AnimatedImage.uri()
		att.FacebookURL = b.AnimatedImage.uri()
		if b.AnimatedImage != nil {
			att.Width = int(b.AnimatedImage.Width)
			att.Height = int(b.AnimatedImage.Height)
		}
	case "MessageVideo":
		att.Type = AttachmentVideo
		att.PreviewURL = b.LargeImage.uri()
		att.ThumbnailURL = b.LargeImage.uri()
		att.URL = b.PlayableURL
		att.Duration = int64(b.PlayableDuration)
		att.VideoType = strings.ToLower(b.VideoType)
	case "MessageAudio":
		att.Type = AttachmentAudio
		att.ID = b.URLShimhash
		att.URL = b.PlayableURL
		att.Duration = int64(b.PlayableDuration)
		att.AudioType = b.AudioType
		att.IsVoiceMail = b.IsVoicemail
	case "MessageFile":
		att.Type = AttachmentFile
		att.ID = string(b.MessageFileFBID)
		att.URL = b.URL
		att.MimeType = b.ContentType
	default:
		return events.Attachment{}, fmt.Errorf("unrecognized blob attachment %q", b.Typename)
	}
	return att, nil
}

func (s *stickerAttachment) format() events.Attachment {
	att := events.Attachment{
		Type:      AttachmentSticker,
		ID:        string(s.ID),
		StickerID: string(s.ID),
		URL:       s.URL,
		Width:     int(s.Width),
		Height:    int(s.Height),
		Caption:   s.Label,
	}
	if s.Pack != nil {
		att.PackID = string(s.Pack.ID)
	}
	return att
}

func (e *extensibleAttachment) format() (events.Attachment, error) {
	story := e.StoryAttachment
	if story == nil {
		return events.Attachment{}, errors.New("extensible attachment without story")
	}
	if story.Target != nil && story.Target.Typename == "MessageLocation" {
		return e.formatLocation()
	}

	att := events.Attachment{
		Type:           AttachmentShare,
		ID:             string(e.LegacyAttachmentID),
		URL:            story.URL,
		FacebookURL:    story.URL,
		Source:         sourceText(story.Source),
		Subattachments: e.Subattachments,
		Properties:     flattenProperties(story.Properties),
	}
	if story.TitleWithEntities != nil {
		att.Title = story.TitleWithEntities.Text
	}
	if story.Description != nil {
		att.Description = story.Description.Text
	}
	if m := story.Media; m != nil {
		att.Playable = m.IsPlayable
		att.Duration = int64(m.PlayableDurationInMs)
		if m.Image != nil {
			att.Image = m.Image.URI
			att.Width = int(m.Image.Width)
			att.Height = int(m.Image.Height)
		}
	}
	return att, nil
}

// formatLocation reads the coordinates out of the map link, whose "u"
// parameter is itself a URL carrying "where1=lat, long".
func (e *extensibleAttachment) formatLocation() (events.Attachment, error) {
	story := e.StoryAttachment
	att := events.Attachment{
		Type:        AttachmentLocation,
		ID:          string(e.LegacyAttachmentID),
		URL:         story.URL,
		FacebookURL: story.URL,
	}
	if link, err := url.Parse(story.URL); err == nil {
		if inner := link.Query().Get("u"); inner != "" {
			att.URL = inner
			if innerURL, err := url.Parse(inner); err == nil {
				att.Address = innerURL.Query().Get("where1")
			}
		}
	}
	if parts := strings.Split(att.Address, ", "); len(parts) == 2 {
		att.Latitude, _ = strconv.ParseFloat(parts[0], 64)
		att.Longitude, _ = strconv.ParseFloat(parts[1], 64)
	}
	if m := story.Media; m != nil && m.Image != nil {
		att.Image = m.Image.URI
		att.Width = int(m.Image.Width)
		att.Height = int(m.Image.Height)
	}
	return att, nil
}

func (src *attachmentSource) formatLegacy() (events.Attachment, string, error) {
	md := src.Metadata
	switch src.AttachType {
	case "photo":
		if md == nil {
			return events.Attachment{}, "", errors.New("photo attachment without metadata")
		}
		att := events.Attachment{
			Type:         AttachmentPhoto,
			ID:           string(md.FBID),
			Filename:     src.FileName,
			ThumbnailURL: src.ThumbnailURL,
			PreviewURL:   src.PreviewURL,
			LargePreview: src.LargePreviewURL,
			URL:          md.URL,
		}
		var dims string
		if json.Unmarshal(md.Dimensions, &dims) == nil {
			if w, h, ok := strings.Cut(dims, ","); ok {
				att.Width, _ = strconv.Atoi(strings.TrimSpace(w))
				att.Height, _ = strconv.Atoi(strings.TrimSpace(h))
			}
		}
		photoID := string(src.FBID)
		if photoID == "" {
			photoID = string(md.FBID)
		}
		return att, photoID, nil
	case "animated_image":
		return events.Attachment{
			Type:         AttachmentAnimatedImage,
			Filename:     src.Name,
			PreviewURL:   src.PreviewURL,
			ThumbnailURL: src.ThumbnailURL,
			FacebookURL:  src.URL,
			URL:          src.URL,
		}, "", nil
	case "sticker":
		if md == nil {
			return events.Attachment{}, "", errors.New("sticker attachment without metadata")
		}
		return events.Attachment{
			Type:      AttachmentSticker,
			ID:        string(md.StickerID),
			StickerID: string(md.StickerID),
			PackID:    string(md.PackID),
			URL:       src.URL,
			Width:     int(md.Width),
			Height:    int(md.Height),
		}, "", nil
	case "file":
		return events.Attachment{
			Type:     AttachmentFile,
			ID:       string(src.FBID),
			Filename: src.Name,
			URL:      src.URL,
		}, "", nil
	case "video":
		if md == nil {
			return events.Attachment{}, "", errors.New("video attachment without metadata")
		}
		att := events.Attachment{
			Type:         AttachmentVideo,
			ID:           string(md.FBID),
			Filename:     src.Name,
			PreviewURL:   src.PreviewURL,
			ThumbnailURL: src.ThumbnailURL,
			URL:          src.URL,
			Duration:     int64(md.Duration),
			VideoType:    "unknown",
		}
		var dims struct {
			Width  FlexInt `json:"width"`
			Height FlexInt `json:"height"`
		}
		if json.Unmarshal(md.Dimensions, &dims) == nil {
			att.Width, att.Height = int(dims.Width), int(dims.Height)
		}
		return att, "", nil
	case "share":
		sh := src.Share
		if sh == nil {
			return events.Attachment{}, "", errors.New("share attachment without share data")
		}
		att := events.Attachment{
			Type:           AttachmentShare,
			ID:             string(sh.ShareID),
			URL:            sh.URI,
			FacebookURL:    sh.URI,
			Title:          sh.Title,
			Description:    sh.Description,
			Source:         sh.Source,
			Subattachments: sh.Subs,
		}
		if m := sh.Media; m != nil {
			att.Image = m.Image
			att.Playable = m.Playable
			att.Duration = int64(m.Duration)
			if m.ImageSize != nil {
				att.Width, att.Height = int(m.ImageSize.Width), int(m.ImageSize.Height)
			}
		}
		return att, "", nil
	default:
		return events.Attachment{}, "", fmt.Errorf("unrecognized attach_type %q", src.AttachType)
	}
}

func (r *imageRef) uri() string {
	if r == nil {
		return ""
	}
	return r.URI
}

// sourceText accepts either a plain string or a {"text": ...} object.
func sourceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var t textRef
	if json.Unmarshal(raw, &t) == nil {
		return t.Text
	}
	return ""
}

// flattenProperties turns [{key, value: {text}}] into {key: text}. Other
// shapes are passed through unchanged.
func flattenProperties(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var list []struct {
		Key   string  `json:"key"`
		Value textRef `json:"value"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return raw
	}
	flat := make(map[string]string, len(list))
	for _, p := range list {
		flat[p.Key] = p.Value.Text
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return raw
	}
	return out
}
