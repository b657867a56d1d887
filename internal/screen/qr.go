package screen

import qrcode "github.com/skip2/go-qrcode"

const defaultQRSize = 320

// JoinQR renders the join link as a PNG for the lobby screen.
func JoinQR(url string, size int) ([]byte, error) {
	if size <= 0 {
		size = defaultQRSize
	}
	return qrcode.Encode(url, qrcode.Medium, size)
}
