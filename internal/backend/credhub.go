package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

// credhubAdapter enumerates CredHub certificate credentials via the
// find-by-path API, then fetches each credential's current PEM value.
type credhubAdapter struct {
	httpClient *http.Client
	name       string
	apiURL     string
	pathFilter string
}

// newCredHubAdapter takes a single base url property and derives the UAA
// token endpoint from it, following CredHub's fixed layout rather than
// requiring the caller to spell out both URLs.
func newCredHubAdapter(spec catalog.BackendSpec) (Adapter, error) {
	baseURL, err := stringProp(spec, "url")
	if err != nil {
		return nil, err
	}
	clientID, err := stringProp(spec, "client_id")
	if err != nil {
		return nil, err
	}
	clientSecret, err := stringProp(spec, "client_secret")
	if err != nil {
		return nil, err
	}
	pathFilter := stringPropOr(spec, "path", "/")
	baseURL = strings.TrimRight(baseURL, "/")

	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/oauth/token",
	}

	return &credhubAdapter{
		httpClient: cc.Client(context.Background()),
		name:       spec.Name,
		apiURL:     baseURL,
		pathFilter: pathFilter,
	}, nil
}

func (a *credhubAdapter) Name() string              { return a.name }
func (a *credhubAdapter) Kind() catalog.BackendKind { return catalog.KindCredHub }

type credhubFindResponse struct {
	Credentials []struct {
		Name string `json:"name"`
	} `json:"credentials"`
}

type credhubDataResponse struct {
	Data []struct {
		Value struct {
			Certificate string `json:"certificate"`
		} `json:"value"`
	} `json:"data"`
}

func (a *credhubAdapter) List(ctx context.Context) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		names, err := a.findByPath(ctx)
		if err != nil {
			errc <- err
			return
		}
		for _, name := range names {
			pem, err := a.fetchCertificate(ctx, name)
			if err != nil {
				errc <- err
				return
			}
			if pem == nil {
				continue
			}
			select {
			case items <- Item{Path: name, PEM: pem}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return items, errc
}

func (a *credhubAdapter) findByPath(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/api/v1/data?path=%s", a.apiURL, a.pathFilter)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &errkind.PermanentBackendError{Backend: a.name, Err: err}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, a.classify(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only GET, close error is unactionable

	if err := checkStatus(a.name, resp); err != nil {
		return nil, err
	}

	var parsed credhubFindResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &errkind.TransientBackendError{Backend: a.name, Err: err}
	}

	names := make([]string, 0, len(parsed.Credentials))
	for _, c := range parsed.Credentials {
		names = append(names, c.Name)
	}
	return names, nil
}

func (a *credhubAdapter) fetchCertificate(ctx context.Context, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v1/data?name=%s&current=true", a.apiURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &errkind.PermanentBackendError{Backend: a.name, Err: err}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, a.classify(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only GET, close error is unactionable

	if err := checkStatus(a.name, resp); err != nil {
		return nil, err
	}

	var parsed credhubDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &errkind.TransientBackendError{Backend: a.name, Err: err}
	}
	if len(parsed.Data) == 0 || parsed.Data[0].Value.Certificate == "" {
		return nil, nil
	}
	return []byte(parsed.Data[0].Value.Certificate), nil
}

func (a *credhubAdapter) classify(err error) error {
	if oe, ok := err.(*oauth2.RetrieveError); ok {
		return &errkind.AuthBackendError{Backend: a.name, Err: oe}
	}
	return &errkind.TransientBackendError{Backend: a.name, Err: err}
}

// checkStatus maps an HTTP response status into the typed backend error
// kinds shared by the REST-based adapters.
func checkStatus(name string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &errkind.AuthBackendError{Backend: name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &errkind.TransientBackendError{Backend: name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &errkind.PermanentBackendError{Backend: name, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}
