package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/docmesh/docmesh/docmesh"
)

const Version = "0.1.0"

const DefaultMeshName = "docmesh"

func main() {
	usage := `Docmesh control.

Usage:
    docmeshctl serve --listen=<listen> --store=<store>
        [--secret=<secret>] [--name=<name>]
    docmeshctl create --connect=<connect> [--secret=<secret>]
    docmeshctl set --connect=<connect> --doc=<doc> <key> <value> [--secret=<secret>]
    docmeshctl get --connect=<connect> --doc=<doc> <key> [--secret=<secret>]
    docmeshctl watch --connect=<connect> --doc=<doc> [--secret=<secret>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --listen=<listen>      Listen address, e.g. :8550.
    --store=<store>        Leveldb directory for persisted documents.
    --connect=<connect>    Mesh url, e.g. ws://host:8550.
    --doc=<doc>            Document url.
    --secret=<secret>      Mesh secret. Prompted for when not given.
    --name=<name>          Mesh name advertised to peers [default: ` + DefaultMeshName + `].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func serve(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	store, _ := opts.String("--store")
	name, _ := opts.String("--name")
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageAdapter, err := docmesh.NewLevelDbStorageAdapter(store)
	if err != nil {
		panic(err)
	}
	defer storageAdapter.Close()

	settings := docmesh.DefaultRepoSettings()
	// a serve node pins every document announced to it
	settings.Sync.FetchOnArrive = true

	repo := docmesh.NewRepo(
		cancelCtx,
		docmesh.NewId(),
		docmesh.NewMapCore(),
		storageAdapter,
		docmesh.AllowAllSharePolicy,
		settings,
	)
	defer repo.Close()

	auth := &docmesh.PeerAuth{
		PeerId:   repo.LocalPeerId(),
		MeshName: name,
	}
	adapter := docmesh.NewWsServerNetworkAdapterWithDefaults(cancelCtx, auth, secret)
	defer adapter.Close()
	repo.AddNetworkAdapter(adapter)

	glog.Infof("serving mesh %s as %s on %s\n", name, repo.LocalPeerId(), listen)
	if err := http.ListenAndServe(listen, adapter); err != nil {
		panic(err)
	}
}

func create(opts docopt.Opts) {
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := dial(cancelCtx, opts, secret)
	defer repo.Close()

	handle, err := repo.Create()
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", handle.Url())

	// stay connected long enough for the mesh to pick the document up
	time.Sleep(2 * time.Second)
}

func set(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	value, _ := opts.String("<value>")
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := dial(cancelCtx, opts, secret)
	defer repo.Close()

	handle := requireReadyHandle(cancelCtx, repo, opts)
	err := handle.ChangeLocally(func(docValue docmesh.DocumentValue) error {
		docValue.(*docmesh.MapValue).Set(key, []byte(value))
		return nil
	})
	if err != nil {
		panic(err)
	}

	// stay connected long enough for the change to broadcast
	time.Sleep(2 * time.Second)
}

func get(opts docopt.Opts) {
	key, _ := opts.String("<key>")
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := dial(cancelCtx, opts, secret)
	defer repo.Close()

	handle := requireReadyHandle(cancelCtx, repo, opts)
	value, ok := handle.Value().(*docmesh.MapValue).Get(key)
	if !ok {
		fmt.Fprintf(os.Stderr, "%s: not set\n", key)
		os.Exit(1)
	}
	fmt.Printf("%s\n", value)
}

func watch(opts docopt.Opts) {
	secret := requireSecret(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := dial(cancelCtx, opts, secret)
	defer repo.Close()

	handle := requireReadyHandle(cancelCtx, repo, opts)
	handle.AddChangeCallback(func(documentId docmesh.DocumentId, docValue docmesh.DocumentValue) {
		mapValue := docValue.(*docmesh.MapValue)
		for _, key := range mapValue.Keys() {
			value, _ := mapValue.Get(key)
			fmt.Printf("%s=%s\n", key, value)
		}
		fmt.Printf("--\n")
	})
	handle.AddEphemeralCallback(func(documentId docmesh.DocumentId, fromPeerId docmesh.PeerId, payloadBytes []byte) {
		fmt.Printf("[%s] %s\n", fromPeerId, payloadBytes)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func dial(ctx context.Context, opts docopt.Opts, secret []byte) *docmesh.Repo {
	connect, _ := opts.String("--connect")

	repo := docmesh.NewRepoWithDefaults(ctx, docmesh.NewMemoryStorageAdapter())
	auth := &docmesh.PeerAuth{
		PeerId:   repo.LocalPeerId(),
		MeshName: DefaultMeshName,
	}
	adapter := docmesh.NewWsClientNetworkAdapterWithDefaults(ctx, connect, auth, secret)
	repo.AddNetworkAdapter(adapter)
	return repo
}

func requireReadyHandle(ctx context.Context, repo *docmesh.Repo, opts docopt.Opts) *docmesh.DocHandle {
	doc, _ := opts.String("--doc")

	handle, err := repo.Find(doc)
	if err != nil {
		panic(err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	state, err := handle.WaitUntilReady(waitCtx)
	if err != nil {
		panic(err)
	}
	if state != docmesh.DocStateReady {
		fmt.Fprintf(os.Stderr, "document is %s\n", state)
		os.Exit(1)
	}
	return handle
}

func requireSecret(opts docopt.Opts) []byte {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return []byte(secret)
	}
	fmt.Print("secret: ")
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return secret
}
