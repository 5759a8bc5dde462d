package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150, empty disables the consumer
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	Topic          string // topic carrying host events
	Channel        string // channel name for this relay
	MaxInFlight    int
}

type Auth struct {
	PublicKeyPEM string // RSA public key, empty disables ingress auth
	Issuer       string
	Audience     string
}

// Service holds the settings of the relay process around the dispatcher
type Service struct {
	AppName  string
	HTTPAddr string // ingress, /healthz and /metrics
	GRPCAddr string // gRPC health, empty disables it
	LogLevel string
	NSQ      NSQ
	Auth     Auth
}

// SetServiceDefaults registers the relay process defaults on v
func SetServiceDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "harbor-relay")
	v.SetDefault("http_addr", ":8090")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("nsq.nsqd_tcp_addr", "")
	v.SetDefault("nsq.lookup_http_addr", "")
	v.SetDefault("nsq.topic", "host_events")
	v.SetDefault("nsq.channel", "relay")
	v.SetDefault("nsq.max_in_flight", 200)
	v.SetDefault("auth.public_key_file", "")
	v.SetDefault("auth.issuer", "harbor-relay")
	v.SetDefault("auth.audience", "harbor-relay-ingest")
}

// LoadService reads the relay process settings from v. The public key is
// read from auth.public_key_file when set.
func LoadService(v *viper.Viper) (Service, error) {
	svc := Service{
		AppName:  v.GetString("app_name"),
		HTTPAddr: v.GetString("http_addr"),
		GRPCAddr: v.GetString("grpc_addr"),
		LogLevel: v.GetString("log_level"),
		NSQ: NSQ{
			NsqdTCPAddr:    v.GetString("nsq.nsqd_tcp_addr"),
			LookupHTTPAddr: v.GetString("nsq.lookup_http_addr"),
			Topic:          v.GetString("nsq.topic"),
			Channel:        v.GetString("nsq.channel"),
			MaxInFlight:    v.GetInt("nsq.max_in_flight"),
		},
		Auth: Auth{
			Issuer:   v.GetString("auth.issuer"),
			Audience: v.GetString("auth.audience"),
		},
	}
	if path := strings.TrimSpace(v.GetString("auth.public_key_file")); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return Service{}, err
		}
		svc.Auth.PublicKeyPEM = string(pem)
	}
	return svc, nil
}

// NSQEnabled reports whether the relay should consume events from NSQ
func (s Service) NSQEnabled() bool {
	return s.NSQ.NsqdTCPAddr != "" || s.NSQ.LookupHTTPAddr != ""
}
