// internal/app/helpers.go
package app

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	listenAddr = a
	url = "http://" + a
	return
}

func newSecret(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func logBanner(role, dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("goopcall %s", role)
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	if role == "peer" {
		log.Println("")
		log.Println(" This process represents ONE party.")
		log.Println(" Different folder/config = different party.")
	}
	log.Println("────────────────────────────────────────")
}
