package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/foundryci/buildctl/pkg/apierr"
)

// streamBlob copies the blob at path to w as an octet-stream with a
// Content-Disposition attachment header, matching §6's "binary stream
// with Content-Disposition" contract for artifact/source/certs
// downloads.
func streamBlob(w http.ResponseWriter, s *Server, path, filename string) {
	rc, err := s.blobs.Get(path)
	if err != nil {
		writeError(w, apierr.NotFound("blob not found"))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
