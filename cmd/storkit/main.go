// Command storkit is a command line client for storkit buckets. It moves
// files in and out of a bucket, inspects and edits object metadata, mints
// download URLs and runs the local dev server.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"storkit/pkg/backend"
	"storkit/pkg/backend/gcs"
	"storkit/pkg/backend/local"
	"storkit/pkg/backend/s3"
	"storkit/pkg/log"
	"storkit/pkg/storage"
)

const (
	defaultStorageDir = "build/storage"
	defaultBucket     = "dev"
	defaultServeAddr  = ":9199"
	defaultBaseURL    = "http://127.0.0.1:9199"

	defaultFetchRetries = 3
	fetchRetryWaitMin   = 500 * time.Millisecond
	fetchRetryWaitMax   = 10 * time.Second
	fetchErrorBodyLimit = 4096
	outputFilePerm      = 0o644
)

//go:embed VERSION
var Version string

func main() {
	// Initialize logger first
	_ = log.Logger

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := run(command, args); err != nil {
		fmt.Fprintf(os.Stderr, "storkit %s: %v\n", command, err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	switch command {
	case "put":
		return cmdPut(args)
	case "put-string":
		return cmdPutString(args)
	case "get":
		return cmdGet(args)
	case "cat":
		return cmdCat(args)
	case "stat":
		return cmdStat(args)
	case "set-meta":
		return cmdSetMeta(args)
	case "url":
		return cmdURL(args)
	case "fetch":
		return cmdFetch(args)
	case "rm":
		return cmdRm(args)
	case "serve":
		return cmdServe(args)
	case "version":
		fmt.Println(strings.TrimSpace(Version))
		return nil
	case "help", "-h", "-help", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags] [args]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  put <file> <path>          Upload a file\n")
	fmt.Fprintf(os.Stderr, "  put-string <value> <path>  Upload an encoded string\n")
	fmt.Fprintf(os.Stderr, "  get <path> <file>          Download an object to a file\n")
	fmt.Fprintf(os.Stderr, "  cat <path>                 Stream an object to stdout\n")
	fmt.Fprintf(os.Stderr, "  stat <path>                Print object metadata\n")
	fmt.Fprintf(os.Stderr, "  set-meta <path>            Update object metadata\n")
	fmt.Fprintf(os.Stderr, "  url <path>                 Print a download URL\n")
	fmt.Fprintf(os.Stderr, "  fetch <path>               Download an object through its download URL\n")
	fmt.Fprintf(os.Stderr, "  rm <path>                  Delete an object\n")
	fmt.Fprintf(os.Stderr, "  serve                      Run the local dev server\n")
	fmt.Fprintf(os.Stderr, "  version                    Print the version\n")
	fmt.Fprintf(os.Stderr, "\nPaths are object paths inside the configured bucket, or gs:// and\n")
	fmt.Fprintf(os.Stderr, "https:// object URLs. Run %s <command> -h for command flags.\n", os.Args[0])
}

// storeFlags carries the backend selection flags shared by every command
// that touches a bucket.
type storeFlags struct {
	backendName string
	bucket      string

	dir     string
	baseURL string

	gcsEndpoint string
	gcsKeyFile  string
	gcsNoAuth   bool

	s3Region    string
	s3Endpoint  string
	s3PathStyle bool

	chunkSize     int
	uploadRetry   time.Duration
	downloadRetry time.Duration
	opRetry       time.Duration
}

func registerStoreFlags(fs *flag.FlagSet) *storeFlags {
	f := &storeFlags{}
	fs.StringVar(&f.backendName, "backend", "local", "Storage backend: local, gcs or s3")
	fs.StringVar(&f.bucket, "bucket", defaultBucket, "Bucket name")
	fs.StringVar(&f.dir, "dir", defaultStorageDir, "Local backend storage directory")
	fs.StringVar(&f.baseURL, "base-url", defaultBaseURL, "Base URL local download URLs point at")
	fs.StringVar(&f.gcsEndpoint, "gcs-endpoint", "", "Custom GCS endpoint (for emulators)")
	fs.StringVar(&f.gcsKeyFile, "gcs-key", "", "Path to a GCS service account key JSON file")
	fs.BoolVar(&f.gcsNoAuth, "gcs-no-auth", false, "Disable GCS authentication (for emulators)")
	fs.StringVar(&f.s3Region, "s3-region", "us-east-1", "S3 region")
	fs.StringVar(&f.s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (MinIO, localstack)")
	fs.BoolVar(&f.s3PathStyle, "s3-path-style", false, "Use path-style S3 addressing")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "Transfer chunk size in bytes (0 uses the default)")
	fs.DurationVar(&f.uploadRetry, "max-upload-retry", storage.DefaultMaxUploadRetryTime, "Upload retry budget (0 disables retries)")
	fs.DurationVar(&f.downloadRetry, "max-download-retry", storage.DefaultMaxDownloadRetryTime, "Download retry budget (0 disables retries)")
	fs.DurationVar(&f.opRetry, "max-operation-retry", storage.DefaultMaxOperationRetryTime, "Metadata operation retry budget (0 disables retries)")
	return f
}

// open builds the storage module the command operates on.
func (f *storeFlags) open(ctx context.Context) (*storage.Storage, error) {
	bucket, err := f.openBucket(ctx)
	if err != nil {
		return nil, err
	}

	st, err := storage.New(bucket, &storage.Config{ChunkSize: f.chunkSize})
	if err != nil {
		return nil, err
	}
	if err := st.SetMaxUploadRetryTime(f.uploadRetry); err != nil {
		return nil, err
	}
	if err := st.SetMaxDownloadRetryTime(f.downloadRetry); err != nil {
		return nil, err
	}
	if err := st.SetMaxOperationRetryTime(f.opRetry); err != nil {
		return nil, err
	}
	return st, nil
}

func (f *storeFlags) openBucket(ctx context.Context) (backend.Bucket, error) {
	switch f.backendName {
	case "local":
		store, err := local.Open(f.dir, &local.Options{BaseURL: f.baseURL})
		if err != nil {
			return nil, err
		}
		return store.Bucket(f.bucket), nil
	case "gcs":
		cfg := gcs.Config{
			Bucket:      f.bucket,
			Endpoint:    f.gcsEndpoint,
			WithoutAuth: f.gcsNoAuth,
		}
		if f.gcsKeyFile != "" {
			key, err := os.ReadFile(f.gcsKeyFile)
			if err != nil {
				return nil, fmt.Errorf("read GCS key: %w", err)
			}
			cfg.CredentialsJSON = key
		}
		return gcs.Open(ctx, cfg)
	case "s3":
		return s3.Open(ctx, s3.Config{
			Bucket:       f.bucket,
			Region:       f.s3Region,
			Endpoint:     f.s3Endpoint,
			UsePathStyle: f.s3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q (want local, gcs or s3)", f.backendName)
	}
}

// resolveRef accepts either a bare object path in the configured bucket or
// a full gs:// / https:// object URL.
func resolveRef(st *storage.Storage, arg string) (storage.Reference, error) {
	if strings.Contains(arg, "://") {
		return st.RefFromURL(arg)
	}
	return st.Ref(arg), nil
}

// metadataFlags carries the settable metadata flags shared by the upload
// and set-meta commands.
type metadataFlags struct {
	contentType        string
	cacheControl       string
	contentDisposition string
	contentEncoding    string
	contentLanguage    string
	custom             kvList
}

func registerMetadataFlags(fs *flag.FlagSet) *metadataFlags {
	mf := &metadataFlags{}
	fs.StringVar(&mf.contentType, "content-type", "", "Content type stored with the object")
	fs.StringVar(&mf.cacheControl, "cache-control", "", "Cache-Control stored with the object")
	fs.StringVar(&mf.contentDisposition, "content-disposition", "", "Content-Disposition stored with the object")
	fs.StringVar(&mf.contentEncoding, "content-encoding", "", "Content-Encoding stored with the object")
	fs.StringVar(&mf.contentLanguage, "content-language", "", "Content-Language stored with the object")
	fs.Var(&mf.custom, "meta", "Custom metadata entry key=value (repeatable)")
	return mf
}

func (mf *metadataFlags) settable() *storage.SettableMetadata {
	m := &storage.SettableMetadata{
		CacheControl:       mf.cacheControl,
		ContentDisposition: mf.contentDisposition,
		ContentEncoding:    mf.contentEncoding,
		ContentLanguage:    mf.contentLanguage,
		ContentType:        mf.contentType,
	}
	if len(mf.custom) > 0 {
		m.CustomMetadata = make(map[string]string, len(mf.custom))
		for _, kv := range mf.custom {
			m.CustomMetadata[kv.key] = kv.value
		}
	}
	return m
}

// kvList collects repeated key=value flags.
type kvList []kvPair

type kvPair struct {
	key   string
	value string
}

func (l *kvList) String() string {
	parts := make([]string, 0, len(*l))
	for _, kv := range *l {
		parts = append(parts, kv.key+"="+kv.value)
	}
	return strings.Join(parts, ",")
}

func (l *kvList) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("want key=value, got %q", raw)
	}
	*l = append(*l, kvPair{key: key, value: value})
	return nil
}

// stringList collects repeated string flags.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func wantArgs(fs *flag.FlagSet, n int) {
	if fs.NArg() != n {
		fs.Usage()
		os.Exit(2)
	}
}

// commandContext is cancelled on SIGINT or SIGTERM so a running transfer
// is cancelled instead of killed mid-write.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeStorage(st *storage.Storage) {
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close storage backend")
	}
}

// waitTask waits for the transfer to finish while mirroring progress
// snapshots to stderr.
func waitTask(ctx context.Context, task *storage.Task, verb string, quiet bool) (storage.TaskSnapshot, error) {
	if !quiet {
		unsubscribe, err := task.On(storage.TaskEventStateChanged, func(snap storage.TaskSnapshot) {
			printProgress(verb, snap)
		}, nil, nil)
		if err == nil {
			defer unsubscribe()
		}
	}

	snap, err := task.Wait(ctx)
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	return snap, err
}

func printProgress(verb string, snap storage.TaskSnapshot) {
	transferred := humanize.Bytes(uint64(snap.BytesTransferred))
	switch snap.State {
	case storage.TaskPaused:
		fmt.Fprintf(os.Stderr, "\r%s %s: %s [paused]", verb, snap.Ref.FullPath(), transferred)
	case storage.TaskRunning:
		if snap.TotalBytes >= 0 {
			fmt.Fprintf(os.Stderr, "\r%s %s: %s / %s", verb, snap.Ref.FullPath(), transferred, humanize.Bytes(uint64(snap.TotalBytes)))
		} else {
			fmt.Fprintf(os.Stderr, "\r%s %s: %s", verb, snap.Ref.FullPath(), transferred)
		}
	}
}

func printMetadata(m *storage.Metadata) error {
	if m == nil {
		return nil
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func cmdPut(args []string) error {
	fs := flag.NewFlagSet("storkit put", flag.ExitOnError)
	f := registerStoreFlags(fs)
	mf := registerMetadataFlags(fs)
	quiet := fs.Bool("quiet", false, "Suppress progress output")
	_ = fs.Parse(args)
	wantArgs(fs, 2)
	source, target := fs.Arg(0), fs.Arg(1)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	task, err := ref.PutFile(ctx, source, mf.settable())
	if err != nil {
		return err
	}
	snap, err := waitTask(ctx, task, "uploading", *quiet)
	if err != nil {
		return err
	}
	return printMetadata(snap.Metadata)
}

func cmdPutString(args []string) error {
	fs := flag.NewFlagSet("storkit put-string", flag.ExitOnError)
	f := registerStoreFlags(fs)
	mf := registerMetadataFlags(fs)
	format := fs.String("format", string(storage.StringRaw), "Value encoding: raw, base64, base64url or data_url")
	quiet := fs.Bool("quiet", false, "Suppress progress output")
	_ = fs.Parse(args)
	wantArgs(fs, 2)
	value, target := fs.Arg(0), fs.Arg(1)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	task, err := ref.PutString(ctx, value, storage.StringFormat(*format), mf.settable())
	if err != nil {
		return err
	}
	snap, err := waitTask(ctx, task, "uploading", *quiet)
	if err != nil {
		return err
	}
	return printMetadata(snap.Metadata)
}

func cmdGet(args []string) error {
	fs := flag.NewFlagSet("storkit get", flag.ExitOnError)
	f := registerStoreFlags(fs)
	quiet := fs.Bool("quiet", false, "Suppress progress output")
	_ = fs.Parse(args)
	wantArgs(fs, 2)
	target, dest := fs.Arg(0), fs.Arg(1)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	task, err := ref.GetFile(ctx, dest)
	if err != nil {
		return err
	}
	snap, err := waitTask(ctx, task, "downloading", *quiet)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s)\n", dest, humanize.Bytes(uint64(snap.BytesTransferred)))
	return nil
}

func cmdCat(args []string) error {
	fs := flag.NewFlagSet("storkit cat", flag.ExitOnError)
	f := registerStoreFlags(fs)
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "storkit-cat-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpPath) }()

	task, err := ref.GetFile(ctx, tmpPath)
	if err != nil {
		return err
	}
	if _, err := task.Wait(ctx); err != nil {
		return err
	}

	file, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(os.Stdout, file); err != nil {
		return fmt.Errorf("write object to stdout: %w", err)
	}
	return nil
}

func cmdStat(args []string) error {
	fs := flag.NewFlagSet("storkit stat", flag.ExitOnError)
	f := registerStoreFlags(fs)
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	meta, err := ref.Metadata(ctx)
	if err != nil {
		return err
	}
	return printMetadata(meta)
}

func cmdSetMeta(args []string) error {
	fs := flag.NewFlagSet("storkit set-meta", flag.ExitOnError)
	f := registerStoreFlags(fs)
	mf := registerMetadataFlags(fs)
	var unset stringList
	fs.Var(&unset, "unset", "Custom metadata key to remove (repeatable)")
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	// Only flags the user actually passed become part of the update, so
	// setting a field to "" clears it while unmentioned fields survive.
	passed := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { passed[fl.Name] = true })

	update := storage.MetadataUpdate{}
	if passed["content-type"] {
		update.ContentType = storage.Ptr(mf.contentType)
	}
	if passed["cache-control"] {
		update.CacheControl = storage.Ptr(mf.cacheControl)
	}
	if passed["content-disposition"] {
		update.ContentDisposition = storage.Ptr(mf.contentDisposition)
	}
	if passed["content-encoding"] {
		update.ContentEncoding = storage.Ptr(mf.contentEncoding)
	}
	if passed["content-language"] {
		update.ContentLanguage = storage.Ptr(mf.contentLanguage)
	}
	if len(mf.custom) > 0 || len(unset) > 0 {
		update.CustomMetadata = make(map[string]*string, len(mf.custom)+len(unset))
		for _, kv := range mf.custom {
			update.CustomMetadata[kv.key] = storage.Ptr(kv.value)
		}
		for _, key := range unset {
			update.CustomMetadata[key] = nil
		}
	}

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	meta, err := ref.UpdateMetadata(ctx, update)
	if err != nil {
		return err
	}
	return printMetadata(meta)
}

func cmdURL(args []string) error {
	fs := flag.NewFlagSet("storkit url", flag.ExitOnError)
	f := registerStoreFlags(fs)
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	url, err := ref.DownloadURL(ctx)
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("storkit fetch", flag.ExitOnError)
	f := registerStoreFlags(fs)
	output := fs.String("o", "", "Write the body to this file instead of stdout")
	retryMax := fs.Int("retry-max", defaultFetchRetries, "HTTP retry attempts")
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	url, err := ref.DownloadURL(ctx)
	if err != nil {
		return err
	}

	client := newFetchClient(*retryMax)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, fetchErrorBodyLimit))
		return fmt.Errorf("fetch returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var dest io.Writer = os.Stdout
	if *output != "" {
		file, err := os.OpenFile(*output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, outputFilePerm)
		if err != nil {
			return err
		}
		defer func() { _ = file.Close() }()
		dest = file
	}

	n, err := io.Copy(dest, resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if *output != "" {
		fmt.Fprintf(os.Stderr, "fetched %s to %s\n", humanize.Bytes(uint64(n)), *output)
	}
	return nil
}

// newFetchClient builds the retrying HTTP client used to pull download
// URLs. The default retry policy already retries connection errors and
// retryable statuses while passing other error statuses through.
func newFetchClient(retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = fetchRetryWaitMin
	client.RetryWaitMax = fetchRetryWaitMax
	client.Logger = nil // Disable retryablehttp logging
	return client
}

func cmdRm(args []string) error {
	fs := flag.NewFlagSet("storkit rm", flag.ExitOnError)
	f := registerStoreFlags(fs)
	_ = fs.Parse(args)
	wantArgs(fs, 1)
	target := fs.Arg(0)

	ctx, stop := commandContext()
	defer stop()

	st, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer closeStorage(st)

	ref, err := resolveRef(st, target)
	if err != nil {
		return err
	}

	if err := ref.Delete(ctx); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", ref.String())
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("storkit serve", flag.ExitOnError)
	dir := fs.String("dir", defaultStorageDir, "Storage directory path")
	addr := fs.String("addr", defaultServeAddr, "Listen address")
	baseURL := fs.String("base-url", "", "External base URL for download URLs (defaults to http://<addr>)")
	_ = fs.Parse(args)
	wantArgs(fs, 0)

	base := *baseURL
	if base == "" {
		host := *addr
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		base = "http://" + host
	}

	store, err := local.Open(*dir, &local.Options{BaseURL: base})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return local.NewServer(store).Start(*addr)
}
