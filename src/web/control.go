// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/casjay-forks/cascache/src/config"
	"github.com/casjay-forks/cascache/src/netshare"
	"github.com/casjay-forks/cascache/src/scheduler"
	"github.com/casjay-forks/cascache/src/storage"
	"github.com/casjay-forks/cascache/src/worker"
)

const maxMessageBytes = 64 << 10

func (data *Data) authorized(req *http.Request) bool {
	if data.ControlToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(data.ControlToken)) == 1
}

// Pattern: /_cascache/message
func (data *Data) handleMessage(rw http.ResponseWriter, req *http.Request) error {
	if req.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		return netshare.ErrMethodNotAllowed
	}
	if !data.authorized(req) {
		return netshare.ErrUnauthorized
	}

	msg, err := worker.ParseMessage(http.MaxBytesReader(rw, req.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return netshare.ErrPayloadTooLarge
		}
		return fmt.Errorf("%w: %w", netshare.ErrBadRequest, err)
	}

	reply, err := data.Registration.Message(req.Context(), msg)
	if err != nil {
		return err
	}

	code := http.StatusOK
	if !reply.Handled {
		code = http.StatusAccepted
	}
	writeJSON(rw, code, reply)
	return nil
}

type statusResponse struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	worker.Status
	Buckets []storage.BucketStats `json:"buckets"`
	Tasks   []scheduler.TaskInfo  `json:"tasks,omitempty"`
}

// Pattern: /_cascache/status
func (data *Data) handleStatus(rw http.ResponseWriter, req *http.Request) error {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		rw.Header().Set("Allow", "GET, HEAD")
		return netshare.ErrMethodNotAllowed
	}
	if !data.authorized(req) {
		return netshare.ErrUnauthorized
	}

	buckets, err := data.Storage.Stats(req.Context())
	if err != nil {
		return fmt.Errorf("%w: %w", netshare.ErrServiceUnavailable, err)
	}

	resp := statusResponse{
		Software: config.Software,
		Version:  data.Version,
		Status:   data.Registration.Snapshot(),
		Buckets:  buckets,
	}
	if data.Scheduler != nil {
		resp.Tasks = data.Scheduler.ListTasks()
	}
	writeJSON(rw, http.StatusOK, resp)
	return nil
}
