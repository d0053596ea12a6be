package mainboilerplate

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port uint16 `long:"port" env:"PORT" description:"Port serving /debug/metrics, /debug/ready and /debug/pprof. Zero disables"`
}

// InitDiagnosticsAndRecover registers |collectors|, and serves metrics and
// debugging handlers of the default ServeMux if a Port is configured. It
// returns a closure which should be deferred, which logs and re-raises a
// recovered panic.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig, collectors ...prometheus.Collector) func() {
	Must(RegisterCollectors(collectors...), "failed to register metrics")

	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port != 0 {
		var ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		Must(err, "failed to bind diagnostics port", "port", cfg.Port)

		go func() {
			if err := http.Serve(ln, nil); err != nil {
				log.WithField("err", err).Warn("diagnostics server stopped")
			}
		}()
		log.WithField("addr", ln.Addr().String()).Info("serving diagnostics")
	}

	return func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"err":   r,
				"stack": string(debug.Stack()),
			}).Error("panic")
			panic(r)
		}
	}
}

// RegisterCollectors registers |collectors| with the default Registerer.
// Collectors which are already registered are ignored.
func RegisterCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		var err = prometheus.Register(c)

		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			continue
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
