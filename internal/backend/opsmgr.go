package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

// opsmgrAdapter enumerates certificates from Ops Manager's deployed
// certificates API. Ops Manager authenticates with the resource-owner
// password grant rather than client-credentials.
type opsmgrAdapter struct {
	httpClient *http.Client
	name       string
	apiURL     string
}

// newOpsMgrAdapter takes a single base url property and derives the UAA
// token endpoint from it (Ops Manager's UAA always lives at
// {url}/uaa/oauth/token), rather than requiring the caller to spell out
// both URLs.
func newOpsMgrAdapter(spec catalog.BackendSpec) (Adapter, error) {
	baseURL, err := stringProp(spec, "url")
	if err != nil {
		return nil, err
	}
	username, err := stringProp(spec, "username")
	if err != nil {
		return nil, err
	}
	password, err := stringProp(spec, "password")
	if err != nil {
		return nil, err
	}
	clientID := stringPropOr(spec, "client_id", "opsman")
	clientSecret := stringPropOr(spec, "client_secret", "")
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: baseURL + "/uaa/oauth/token"},
	}

	token, err := cfg.PasswordCredentialsToken(context.Background(), username, password)
	if err != nil {
		return nil, &errkind.AuthBackendError{Backend: spec.Name, Err: err}
	}

	return &opsmgrAdapter{
		httpClient: cfg.Client(context.Background(), token),
		name:       spec.Name,
		apiURL:     baseURL,
	}, nil
}

func (a *opsmgrAdapter) Name() string              { return a.name }
func (a *opsmgrAdapter) Kind() catalog.BackendKind { return catalog.KindOpsMgr }

type opsmgrCertResponse struct {
	Certificates []struct {
		Location string `json:"location"`
		Cert     struct {
			PEM string `json:"cert_pem"`
		} `json:"certificate"`
	} `json:"certificates"`
}

func (a *opsmgrAdapter) List(ctx context.Context) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		url := a.apiURL + "/api/v0/deployed/certificates"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			errc <- &errkind.PermanentBackendError{Backend: a.name, Err: err}
			return
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			errc <- &errkind.TransientBackendError{Backend: a.name, Err: err}
			return
		}
		defer resp.Body.Close() //nolint:errcheck // read-only GET, close error is unactionable

		if err := checkStatus(a.name, resp); err != nil {
			errc <- err
			return
		}

		var parsed opsmgrCertResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			errc <- &errkind.TransientBackendError{Backend: a.name, Err: err}
			return
		}

		for _, c := range parsed.Certificates {
			if c.Cert.PEM == "" {
				continue
			}
			select {
			case items <- Item{Path: c.Location, PEM: []byte(c.Cert.PEM)}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return items, errc
}

