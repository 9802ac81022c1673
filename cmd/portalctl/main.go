// portalctl is the command-line portal client: it logs in, restores the
// persisted session, keys the live channel to it and tails the notification
// feed.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusport.org/internal/config"
	"campusport.org/internal/feed"
	"campusport.org/internal/notification"
	"campusport.org/internal/obs"
	"campusport.org/internal/portalapi"
	"campusport.org/internal/realtime"
	"campusport.org/internal/session"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CAMPUSPORT_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	storage := session.NewFileStorage(cfg.StatePath)
	store := session.NewStore(storage)
	(&session.Bootstrapper{}).Run(store, storage)

	client := portalapi.New(cfg.APIBaseURL,
		portalapi.WithTimeout(cfg.Timeout()),
		portalapi.WithTokenSource(func() string { return store.Snapshot().Token }),
	)

	cmd := "watch"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "login":
		if len(os.Args) < 4 {
			log.Fatal("usage: portalctl login <email> <password>")
		}
		result, err := client.Login(context.Background(), os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		store.Login(result.Token, result.Identity)
		fmt.Printf("logged in as %s (%s)\n", result.Identity.Name, result.Identity.Role)
	case "logout":
		store.Logout()
		fmt.Println("logged out")
	case "watch":
		watch(cfg, store, client)
	default:
		log.Fatalf("unknown command %q (expected login, logout or watch)", cmd)
	}
}

func watch(cfg *config.Config, store *session.Store, client *portalapi.Client) {
	if !store.Snapshot().LoggedIn() {
		log.Fatal("not logged in; run: portalctl login <email> <password>")
	}

	manager := realtime.NewManager(
		&realtime.WebSocketDialer{URL: cfg.SocketURL},
		realtime.WithRetryPolicy(realtime.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       cfg.Delay(),
		}),
	)
	defer manager.Close()

	ctrl := feed.New(client, manager, store, feed.WithPageSize(cfg.PageSize))
	manager.OnNotification(func(n notification.Notification) {
		ctrl.Push(n)
		printNotification(n, "push")
	})
	manager.FollowStore(store)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	err := ctrl.LoadFirstPage(ctx)
	cancel()
	if err != nil {
		// The previous (empty) list stays authoritative; keep watching.
		log.Printf("load notifications: %v", err)
	}
	for _, n := range ctrl.Items() {
		printNotification(n, "feed")
	}
	fmt.Printf("%d unread; watching for live notifications (Ctrl+C to stop)\n", ctrl.UnreadCount())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println("bye")
}

func printNotification(n notification.Notification, source string) {
	marker := " "
	if !n.Read {
		marker = "*"
	}
	fmt.Printf("%s [%s] %s %s (%s)\n",
		marker, source, n.CreatedAt.Local().Format(time.RFC3339), n.Message, n.Type)
}
