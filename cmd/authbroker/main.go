package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/IMQS/authbroker"
)

var (
	flagConfig         string
	flagListen         string
	flagLogfile        string
	flagLoopbackSSH    bool
	flagInsecureCookie bool
	flagAuditDB        string
)

func main() {
	root := &cobra.Command{
		Use:   "authbroker",
		Short: "Authentication broker for the system-administration gateway",
		Long: `authbroker terminates Authorization headers, drives login helpers,
and hands out session cookies. It exits on its own once every session and
pending login has drained.`,
		RunE: run,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to the broker TOML config")
	root.Flags().StringVarP(&flagListen, "listen", "l", "127.0.0.1:9090", "Address to listen on")
	root.Flags().StringVar(&flagLogfile, "logfile", "", "Log file (default stdout)")
	root.Flags().BoolVar(&flagLoopbackSSH, "loopback-ssh", false, "Authenticate Basic logins against loopback SSH")
	root.Flags().BoolVar(&flagInsecureCookie, "insecure-cookie", false, "Omit the Secure cookie attribute (development only)")
	root.Flags().StringVar(&flagAuditDB, "audit-db", "", "Postgres connect string for the login audit trail")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	conf := &authbroker.Config{}
	conf.Reset()
	if flagConfig != "" {
		if err := conf.LoadFile(flagConfig); err != nil {
			return fmt.Errorf("loading config %v: %v", flagConfig, err)
		}
	}

	broker, err := authbroker.NewBroker(conf, flagLogfile, flagLoopbackSSH)
	if err != nil {
		return err
	}
	defer broker.Close()

	if flagAuditDB != "" {
		auditor, err := authbroker.NewSQLAuditor(flagAuditDB, broker.Log)
		if err != nil {
			return err
		}
		defer auditor.Close()
		broker.Auditor = auditor
	}

	flags := authbroker.AuthFlags(0)
	if flagInsecureCookie {
		flags |= authbroker.CookieInsecure
	}

	idle := make(chan struct{}, 1)
	broker.OnIdling = func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}

	router := mux.NewRouter()
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		authbroker.HttpSendTxt(w, http.StatusOK, "pong")
	})
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if service := broker.CheckCookie(r.URL.Path, r.Header); service != nil {
			w.Header().Set("Content-Type", "application/json")
			host, _ := os.Hostname()
			fmt.Fprintf(w, `{"authenticated":true,"user":%q,"host":%q}`, service.Credentials().User, host)
			return
		}
		body, err := broker.Login(r.URL.Path, r.Header, w.Header(), authbroker.RemotePeer(r), flags)
		if err != nil {
			authbroker.HttpSendLoginError(w, body, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	server := &http.Server{Addr: flagListen, Handler: router}
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	broker.Log.Infof("Listening on %v", flagListen)
	select {
	case err := <-errs:
		return err
	case <-idle:
		broker.Log.Infof("Idle; exiting")
		return server.Close()
	}
}
