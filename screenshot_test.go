package pydoll

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/orisano/pixelmatch"
)

// testImage builds a small image with per-pixel structure so a
// mismatch anywhere is visible to pixelmatch.
func testImage(t *testing.T) (image.Image, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return img, base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestElementScreenshotRoundTrip(t *testing.T) {
	t.Parallel()

	want, b64 := testImage(t)

	tab, ft := newTestTab(t, func(msg *cdproto.Message) []*cdproto.Message {
		result := `{}`
		switch string(msg.Method) {
		case "Runtime.callFunctionOn":
			result = `{"result":{"type":"object","value":{"x":0,"y":0,"width":4,"height":4}}}`
		case "Page.captureScreenshot":
			result = `{"data":"` + b64 + `"}`
		}
		return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(result)}}
	})

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "div"}
	path := filepath.Join(t.TempDir(), "element.png")
	if err := h.TakeScreenshot(context.Background(), path, 0); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := png.Decode(f)
	if err != nil {
		t.Fatal(err)
	}

	diff, err := pixelmatch.MatchPixel(want, got, pixelmatch.Threshold(0.1))
	if err != nil {
		t.Fatal(err)
	}
	if diff != 0 {
		t.Errorf("decoded screenshot differs from fixture in %d pixels", diff)
	}

	// The capture is clipped to the element's JS bounds.
	var shotParams string
	for _, m := range ft.written {
		if string(m.Method) == "Page.captureScreenshot" {
			shotParams = string(m.Params)
		}
	}
	if !strings.Contains(shotParams, `"clip"`) || !strings.Contains(shotParams, `"width":4`) {
		t.Errorf("capture params %s", shotParams)
	}
	if !strings.Contains(shotParams, `"format":"png"`) {
		t.Errorf("capture format: %s", shotParams)
	}
}

func TestElementScreenshotJPEGQuality(t *testing.T) {
	t.Parallel()

	_, b64 := testImage(t)
	tab, ft := newTestTab(t, func(msg *cdproto.Message) []*cdproto.Message {
		result := `{}`
		switch string(msg.Method) {
		case "Runtime.callFunctionOn":
			result = `{"result":{"type":"object","value":{"x":0,"y":0,"width":4,"height":4}}}`
		case "Page.captureScreenshot":
			result = `{"data":"` + b64 + `"}`
		}
		return []*cdproto.Message{{ID: msg.ID, Result: easyjson.RawMessage(result)}}
	})

	h := &ElementHandle{exec: tab.exec, objectID: "OBJ-1", tagName: "div"}
	path := filepath.Join(t.TempDir(), "element.jpg")
	if err := h.TakeScreenshot(context.Background(), path, 80); err != nil {
		t.Fatal(err)
	}

	var shotParams string
	for _, m := range ft.written {
		if string(m.Method) == "Page.captureScreenshot" {
			shotParams = string(m.Params)
		}
	}
	if !strings.Contains(shotParams, `"format":"jpeg"`) || !strings.Contains(shotParams, `"quality":80`) {
		t.Errorf("capture params %s", shotParams)
	}
}
