package scalein

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfyfleet/render-worker/internal/logging"
)

func fakeIMDSIdentity(t *testing.T, instanceID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("test-token"))
	})
	mux.HandleFunc("/latest/dynamic/instance-identity/document", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instanceId":"` + instanceID + `","region":"us-east-1"}`))
	})
	return httptest.NewServer(mux)
}

func fakeASG(onRequest func(r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<SetInstanceProtectionResponse xmlns="http://autoscaling.amazonaws.com/doc/2011-01-01/"><ResponseMetadata><RequestId>test</RequestId></ResponseMetadata></SetInstanceProtectionResponse>`))
	}))
}

func newTestProtector(imdsServer, asgServer *httptest.Server) *Protector {
	creds := credentials.NewStaticCredentialsProvider("AKIAFAKE", "secretfake", "")
	asgClient := autoscaling.New(autoscaling.Options{
		Region:       "us-east-1",
		Credentials:  creds,
		BaseEndpoint: aws.String(asgServer.URL),
	})
	imdsClient := imds.New(imds.Options{Endpoint: imdsServer.URL})
	return &Protector{asg: asgClient, imdsClient: imdsClient, asgName: "test-asg", log: logging.NewDiscard()}
}

func TestProtectSetsProtectionTrue(t *testing.T) {
	imdsServer := fakeIMDSIdentity(t, "i-0123456789abcdef0")
	defer imdsServer.Close()

	var gotBody string
	asgServer := fakeASG(func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	})
	defer asgServer.Close()

	p := newTestProtector(imdsServer, asgServer)
	require.NoError(t, p.Protect(context.Background()))
	assert.Contains(t, gotBody, "i-0123456789abcdef0")
	assert.Contains(t, gotBody, "true")
}

func TestUnprotectSetsProtectionFalse(t *testing.T) {
	imdsServer := fakeIMDSIdentity(t, "i-0fedcba9876543210")
	defer imdsServer.Close()

	var gotBody string
	asgServer := fakeASG(func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	})
	defer asgServer.Close()

	p := newTestProtector(imdsServer, asgServer)
	require.NoError(t, p.Unprotect(context.Background()))
	assert.Contains(t, gotBody, "false")
}

func TestResolveInstanceIDIsCachedAcrossCalls(t *testing.T) {
	identityCalls := 0
	imdsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/latest/api/token" {
			_, _ = w.Write([]byte("tok"))
			return
		}
		identityCalls++
		_, _ = w.Write([]byte(`{"instanceId":"i-cached","region":"us-east-1"}`))
	}))
	defer imdsServer.Close()

	asgServer := fakeASG(nil)
	defer asgServer.Close()

	p := newTestProtector(imdsServer, asgServer)
	require.NoError(t, p.Protect(context.Background()))
	require.NoError(t, p.Unprotect(context.Background()))
	assert.Equal(t, 1, identityCalls)
}
