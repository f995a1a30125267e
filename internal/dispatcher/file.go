package dispatcher

import (
	"errors"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"

	"github.com/weblite/weblite/internal/logging"
	"github.com/weblite/weblite/internal/metrics"
	"github.com/weblite/weblite/internal/protocol"
)

// serveFile 同步应答 file:// 请求：存在则 Complete，否则 Error，不创建 Handler。
func (d *Dispatcher) serveFile(req protocol.Request, u *url.URL, peer protocol.Peer) {
	d.metrics.Request(metrics.KindFile)

	name := u.Path
	if name == "" {
		name = u.Opaque
	}
	name = filepath.FromSlash(name)

	resp := protocol.Response{
		ClientID: req.ClientID,
		Record:   protocol.Record{URL: req.URL, Filename: name},
	}
	info, err := os.Stat(name)
	switch {
	case err == nil && info.Mode().IsRegular():
		resp.Status = protocol.StatusComplete
		resp.TotalBytes = info.Size()
		resp.LoadedBytes = info.Size()
		resp.LastModified = info.ModTime().UTC()
		resp.ContentType = mime.TypeByExtension(filepath.Ext(name))
	case err == nil:
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrorBadRequest
	case errors.Is(err, fs.ErrNotExist):
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrorNotFound
	default:
		resp.Status = protocol.StatusError
		resp.Error = protocol.ErrorIO
	}

	d.logger.WithFields(logging.FetchFields("file", req.ClientID, req.URL, req.BackgroundDownload)).
		WithField("status", resp.Status.String()).Debug("file_served")
	peer.Deliver(resp)
}
