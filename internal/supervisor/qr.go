package supervisor

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// renderPairingCode turns a raw pairing challenge into a PNG data URI a
// browser can display directly. Falls back to the raw code when
// rendering fails, so pairing is never blocked by the renderer.
func renderPairingCode(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return code
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
