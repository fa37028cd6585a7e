package wa

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// DataURL renders a raw pairing code as a 256px PNG data URL, ready to
// drop into an <img> src on the frontend.
func DataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
