package local

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"storkit/pkg/backend"
	"storkit/pkg/log"
)

const shutdownTimeout = 10

// Server serves store content over the HTTP surface download URLs point at:
//
//	GET /v0/b/<bucket>/o/<object>?alt=media&token=<download token>
//
// With alt=media and the object's download token it streams the content;
// without alt=media it returns the object's metadata document. This is the
// dev-loop stand-in for a hosted storage endpoint.
type Server struct {
	store *Store
	echo  *echo.Echo
}

// NewServer builds a dev server over the given store.
func NewServer(store *Store) *Server {
	srv := &Server{
		store: store,
		echo:  echo.New(),
	}
	srv.setupRoutes()
	return srv
}

func (srv *Server) setupRoutes() {
	srv.echo.HideBanner = true
	srv.echo.HidePort = true
	srv.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
	}))
	srv.echo.Use(middleware.Recover())

	srv.echo.GET("/v0/b/:bucket/o/*", srv.getObject)
	srv.echo.HEAD("/v0/b/:bucket/o/*", srv.getObject)
}

// Handler returns the HTTP handler behind the server, for tests and for
// embedding into a larger mux.
func (srv *Server) Handler() http.Handler {
	return srv.echo
}

// Start serves on addr until SIGINT or SIGTERM, then shuts down gracefully.
func (srv *Server) Start(addr string) error {
	go func() {
		log.Info().Str("addr", addr).Str("root", srv.store.root).Msg("Starting storage dev server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server startup failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return srv.Shutdown()
}

// Shutdown stops the server gracefully.
func (srv *Server) Shutdown() error {
	log.Info().Msg("Shutting down dev server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout*time.Second)
	defer cancel()

	if err := srv.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		return err
	}

	log.Info().Msg("Server stopped")
	return nil
}

func (srv *Server) getObject(ctx echo.Context) error {
	bucketName := ctx.Param("bucket")
	objectName := ctx.Param("*")
	if decoded, err := url.PathUnescape(objectName); err == nil {
		objectName = decoded
	}
	if objectName == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing object name",
		})
	}

	srv.store.mu.RLock()
	row, err := srv.store.getObject(ctx.Request().Context(), bucketName, objectName)
	srv.store.mu.RUnlock()
	if err != nil {
		if errors.Is(err, backend.ErrObjectNotFound) {
			return ctx.JSON(http.StatusNotFound, map[string]string{
				"error": "object not found",
			})
		}
		log.Error().Err(err).Str("bucket", bucketName).Str("object", objectName).Msg("Object lookup failed")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "object lookup failed",
		})
	}

	if ctx.QueryParam("alt") != "media" {
		return srv.serveMetadata(ctx, row)
	}
	return srv.serveContent(ctx, row)
}

func (srv *Server) serveMetadata(ctx echo.Context, row *objectRow) error {
	attrs, err := row.attrs()
	if err != nil {
		log.Error().Err(err).Str("object", row.name).Msg("Corrupt metadata row")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "corrupt object metadata",
		})
	}

	doc := map[string]interface{}{
		"bucket":         attrs.Bucket,
		"name":           attrs.Name,
		"size":           strconv.FormatInt(attrs.Size, 10),
		"generation":     strconv.FormatInt(attrs.Generation, 10),
		"metageneration": strconv.FormatInt(attrs.Metageneration, 10),
		"timeCreated":    attrs.Created.UTC().Format(time.RFC3339Nano),
		"updated":        attrs.Updated.UTC().Format(time.RFC3339Nano),
		"downloadTokens": row.token,
	}
	if len(attrs.MD5) > 0 {
		doc["md5Hash"] = attrs.MD5
	}
	if attrs.CacheControl != "" {
		doc["cacheControl"] = attrs.CacheControl
	}
	if attrs.ContentDisposition != "" {
		doc["contentDisposition"] = attrs.ContentDisposition
	}
	if attrs.ContentEncoding != "" {
		doc["contentEncoding"] = attrs.ContentEncoding
	}
	if attrs.ContentLanguage != "" {
		doc["contentLanguage"] = attrs.ContentLanguage
	}
	if attrs.ContentType != "" {
		doc["contentType"] = attrs.ContentType
	}
	if len(attrs.Metadata) > 0 {
		doc["metadata"] = attrs.Metadata
	}
	return ctx.JSON(http.StatusOK, doc)
}

func (srv *Server) serveContent(ctx echo.Context, row *objectRow) error {
	if token := ctx.QueryParam("token"); token == "" || token != row.token {
		return ctx.JSON(http.StatusForbidden, map[string]string{
			"error": "invalid download token",
		})
	}

	f, err := os.Open(srv.store.dataPath(row.dataFile))
	if err != nil {
		log.Error().Err(err).Str("data_file", row.dataFile).Msg("Object content missing")
		return ctx.JSON(http.StatusInternalServerError, map[string]string{
			"error": "object content unavailable",
		})
	}
	defer func() { _ = f.Close() }()

	contentType := row.contentType.String
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := ctx.Response().Header()
	header.Set(echo.HeaderContentLength, strconv.FormatInt(row.size, 10))
	header.Set("ETag", strconv.Quote(strconv.FormatInt(row.generation, 10)))

	if ctx.Request().Method == http.MethodHead {
		header.Set(echo.HeaderContentType, contentType)
		return ctx.NoContent(http.StatusOK)
	}
	return ctx.Stream(http.StatusOK, contentType, f)
}
