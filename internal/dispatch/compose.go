package dispatch

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"autochirp/internal/publisher"
	"autochirp/internal/storage"
)

// urlSurcharge is what an attached image URL costs against the length limit.
const urlSurcharge = 24

const ellipsis = "…"

// AdjustedLength is the character count of m plus the surcharge for an
// attached image.
func AdjustedLength(m storage.Message) int {
	n := utf8.RuneCountInString(m.Content)
	if strings.TrimSpace(m.ImageURL) != "" {
		n += urlSurcharge
	}
	return n
}

// FlashcardURL is the rendered-card location for an oversize message.
func FlashcardURL(appDomain string, messageID int64) string {
	return strings.TrimRight(appDomain, "/") + "/flashcard/" + strconv.FormatInt(messageID, 10)
}

// TrimContent returns the longest rune prefix of content that, followed by
// an ellipsis, fits in budget characters.
func TrimContent(content string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if utf8.RuneCountInString(content) <= budget {
		return content
	}
	keep := budget - utf8.RuneCountInString(ellipsis)
	var b strings.Builder
	for _, r := range content {
		if keep == 0 {
			break
		}
		b.WriteRune(r)
		keep--
	}
	b.WriteString(ellipsis)
	return b.String()
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func appendURL(text, u string) string {
	if text == "" {
		return u
	}
	return text + " " + u
}

// Compose builds the payload for m. replyTo > 0 makes it a reply. With
// inlineMedia set, any media URL goes into the text instead of being
// attached; the dispatcher uses it after a media failure.
func Compose(m storage.Message, replyTo int64, pol Policy, inlineMedia bool) publisher.Payload {
	var p publisher.Payload
	img := strings.TrimSpace(m.ImageURL)

	if AdjustedLength(m) > pol.MaxLen {
		card := FlashcardURL(pol.AppDomain, m.ID)
		if validURL(card) && !inlineMedia {
			p.Text = TrimContent(m.Content, pol.MaxLen)
			p.Media = &publisher.Media{URL: card}
		} else {
			budget := pol.MaxLen - utf8.RuneCountInString(" "+card)
			p.Text = appendURL(TrimContent(m.Content, budget), card)
		}
	} else {
		p.Text = m.Content
		switch {
		case img == "":
		case validURL(img) && !inlineMedia:
			p.Media = &publisher.Media{URL: img}
		default:
			p.Text = appendURL(p.Text, img)
		}
	}

	if m.Latitude != 0 || m.Longitude != 0 {
		p.Geo = &publisher.Geo{Lat: m.Latitude, Long: m.Longitude, DisplayCoordinates: true}
	}
	if replyTo > 0 {
		p.InReplyTo = replyTo
	}
	return p
}
