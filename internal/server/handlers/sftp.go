package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/websoft9/sshgateway/internal/gateway"
	"github.com/websoft9/sshgateway/internal/sftpsvc"
)

// ListDirectory handles GET /sessions/{id}/sftp/ls?path=...
func ListDirectory(gw *gateway.Gateway, svc *sftpsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := gw.Get(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		res, err := svc.ListDirectory(sess, r.URL.Query().Get("path"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// Download handles GET /sessions/{id}/sftp/download?path=...
func Download(gw *gateway.Gateway, svc *sftpsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := gw.Get(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		dl, err := svc.CreateDownload(sess, r.URL.Query().Get("path"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer dl.Reader.Close()

		w.Header().Set("Content-Type", dl.MimeType)
		w.Header().Set("Content-Disposition", "attachment; filename=\""+dl.Filename+"\"")
		io.Copy(w, dl.Reader)
	}
}

// Upload handles PUT /sessions/{id}/sftp/upload?path=...
func Upload(gw *gateway.Gateway, svc *sftpsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := gw.Get(chi.URLParam(r, "id"))
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err := svc.UploadFile(sess, r.URL.Query().Get("path"), r.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
