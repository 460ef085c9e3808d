package storage

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// StringFormat names the encoding of a string handed to PutString.
type StringFormat string

const (
	// StringRaw uploads the string's UTF-8 bytes as-is.
	StringRaw StringFormat = "raw"

	// StringBase64 decodes the string as standard base64 before upload.
	StringBase64 StringFormat = "base64"

	// StringBase64URL decodes the string as URL-safe base64 before upload.
	StringBase64URL StringFormat = "base64url"

	// StringDataURL parses the string as an RFC 2397 data URL. The payload
	// becomes the object content and the URL's media type becomes the
	// object's content type unless the caller set one explicitly.
	StringDataURL StringFormat = "data_url"
)

// decodeString turns an encoded string into the bytes to upload, plus the
// content type implied by the encoding ("" when the format carries none).
// Errors are argument errors: they surface synchronously, before any task
// is created.
func decodeString(value string, format StringFormat) (data []byte, contentType string, err error) {
	switch format {
	case StringRaw:
		return []byte(value), "", nil

	case StringBase64:
		data, err := decodeBase64(value, base64.StdEncoding, base64.RawStdEncoding)
		if err != nil {
			return nil, "", argErrorf("invalid base64 payload: %v", err)
		}
		return data, "", nil

	case StringBase64URL:
		data, err := decodeBase64(value, base64.URLEncoding, base64.RawURLEncoding)
		if err != nil {
			return nil, "", argErrorf("invalid base64url payload: %v", err)
		}
		return data, "", nil

	case StringDataURL:
		return decodeDataURL(value)

	default:
		return nil, "", argErrorf("unknown string format %q", format)
	}
}

// decodeBase64 tries the padded encoding first and falls back to the raw
// variant, so payloads with stripped padding still decode.
func decodeBase64(value string, padded, raw *base64.Encoding) ([]byte, error) {
	data, err := padded.DecodeString(value)
	if err == nil {
		return data, nil
	}
	if data, rawErr := raw.DecodeString(value); rawErr == nil {
		return data, nil
	}
	return nil, err
}

// decodeDataURL splits a data URL into payload bytes and media type:
//
//	data:[<mediatype>][;base64],<payload>
//
// A missing media type means the caller gets no implied content type; the
// module-level default for such uploads is application/octet-stream.
func decodeDataURL(value string) (data []byte, contentType string, err error) {
	rest, ok := strings.CutPrefix(value, "data:")
	if !ok {
		return nil, "", argErrorf("data URL must start with \"data:\"")
	}

	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", argErrorf("data URL has no comma separating header from payload")
	}

	isBase64 := false
	if h, found := strings.CutSuffix(header, ";base64"); found {
		isBase64 = true
		header = h
	}

	if isBase64 {
		data, err := decodeBase64(payload, base64.StdEncoding, base64.RawStdEncoding)
		if err != nil {
			return nil, "", argErrorf("invalid base64 payload in data URL: %v", err)
		}
		return data, header, nil
	}

	decoded, uerr := url.PathUnescape(payload)
	if uerr != nil {
		return nil, "", argErrorf("invalid percent-encoding in data URL: %v", uerr)
	}
	return []byte(decoded), header, nil
}
