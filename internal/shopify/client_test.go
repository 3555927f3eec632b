package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, AccessToken: "shpat_test", PageSize: 2}, nil)
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		apiRoot string
	}{
		{
			name:    "shop domain",
			cfg:     Config{Shop: "example.myshopify.com", AccessToken: "t"},
			apiRoot: "https://example.myshopify.com/admin/api/" + DefaultAPIVersion,
		},
		{
			name:    "scheme is stripped from shop",
			cfg:     Config{Shop: "https://example.myshopify.com", AccessToken: "t", APIVersion: "2025-01"},
			apiRoot: "https://example.myshopify.com/admin/api/2025-01",
		},
		{
			name:    "base url override",
			cfg:     Config{BaseURL: "http://localhost:9999/", AccessToken: "t"},
			apiRoot: "http://localhost:9999/admin/api/" + DefaultAPIVersion,
		},
		{name: "missing token", cfg: Config{Shop: "example.myshopify.com"}, wantErr: true},
		{name: "missing shop", cfg: Config{AccessToken: "t"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrMissingConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.apiRoot, client.apiRoot)
			assert.Equal(t, 250, client.pageSize)
		})
	}
}

func TestSetPrice(t *testing.T) {
	var got struct {
		method, path, token string
		body                variantUpdate
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.token = r.Header.Get("X-Shopify-Access-Token")
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		_, _ = io.WriteString(w, `{"variant":{"id":42}}`)
	})

	require.NoError(t, client.SetPrice(context.Background(), "42", 47))

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/admin/api/"+DefaultAPIVersion+"/variants/42.json", got.path)
	assert.Equal(t, "shpat_test", got.token)
	assert.Equal(t, int64(42), got.body.Variant.ID)
	assert.Equal(t, "47.00", got.body.Variant.Price)
}

func TestSetPrice_Rejects(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	assert.Error(t, client.SetPrice(context.Background(), "gid://shopify/ProductVariant/42", 10))
	assert.Error(t, client.SetPrice(context.Background(), "42", 0))
	assert.Zero(t, calls.Load())
}

func TestSetPrice_StatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"errors":{"price":["must be greater than or equal to 0"]}}`)
	})

	err := client.SetPrice(context.Background(), "42", 10)
	require.Error(t, err)

	var statusErr *common.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "shopify", statusErr.Provider)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "must be greater")
}

func TestSetPrice_LongErrorBody(t *testing.T) {
	body := "x" + strings.Repeat("€", 200)
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, body)
	})

	err := client.SetPrice(context.Background(), "42", 10)

	var statusErr *common.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.True(t, utf8.ValidString(statusErr.Body))
	assert.True(t, strings.HasSuffix(statusErr.Body, "..."))
	assert.LessOrEqual(t, len(statusErr.Body), 303)
}

func TestListProducts(t *testing.T) {
	var inventoryQuery string
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/products.json") && r.URL.Query().Get("page_info") == "":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			w.Header().Set("Link", fmt.Sprintf(`<%s%s?limit=2&page_info=abc>; rel="next"`, server.URL, r.URL.Path))
			_, _ = io.WriteString(w, `{"products":[
				{"id":1,"title":"Vitamin D3","vendor":"Acme","product_type":"Supplement","status":"ACTIVE",
				 "body_html":"<p>High <b>potency</b></p>\n<ul><li>5000 IU</li></ul>","tags":"vitamins, immune, ",
				 "variants":[
					{"id":11,"product_id":1,"title":"90 Count","sku":"D3-90","price":"24.99","compare_at_price":"29.99","inventory_item_id":101},
					{"id":12,"product_id":1,"title":"180 Count","sku":"D3-180","price":"44.00","compare_at_price":null,"inventory_item_id":102}
				 ]},
				{"id":2,"title":"Yoga Mat","status":"draft","body_html":"","tags":"",
				 "variants":[{"id":21,"product_id":2,"title":"Default Title","price":"35","inventory_item_id":0}]}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/products.json"):
			assert.Equal(t, "abc", r.URL.Query().Get("page_info"))
			_, _ = io.WriteString(w, `{"products":[
				{"id":3,"title":"Foam Roller","status":"active",
				 "variants":[{"id":31,"product_id":3,"title":"Default Title","price":"19.50","inventory_item_id":301}]}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/inventory_items.json"):
			inventoryQuery = r.URL.Query().Get("ids")
			_, _ = io.WriteString(w, `{"inventory_items":[
				{"id":101,"cost":"6.00"},{"id":102,"cost":"11.50"},{"id":301,"cost":null}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, AccessToken: "t", PageSize: 2}, nil)
	require.NoError(t, err)

	products, err := client.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 3)

	d3 := products[0]
	assert.Equal(t, "1", d3.ID)
	assert.Equal(t, model.StatusActive, d3.Status)
	assert.Equal(t, "High potency 5000 IU", d3.Description)
	assert.Equal(t, []string{"vitamins", "immune"}, d3.Tags)
	require.Len(t, d3.Variants, 2)
	assert.Equal(t, model.Variant{
		ID: "11", ProductID: "1", Title: "90 Count", SKU: "D3-90",
		Cost: 6, CurrentPrice: 24.99, CompareAtPrice: 29.99,
	}, d3.Variants[0])
	assert.Equal(t, 11.5, d3.Variants[1].Cost)
	assert.Zero(t, d3.Variants[1].CompareAtPrice)

	assert.Equal(t, model.StatusDraft, products[1].Status)
	assert.Empty(t, products[1].Tags)
	assert.Zero(t, products[1].Variants[0].Cost)

	assert.Equal(t, 19.5, products[2].Variants[0].CurrentPrice)
	assert.Zero(t, products[2].Variants[0].Cost)

	assert.ElementsMatch(t, []string{"101", "102", "301"}, strings.Split(inventoryQuery, ","))
}

func TestListProducts_BadPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"products":[{"id":1,"title":"X","variants":[{"id":11,"price":"n/a"}]}]}`)
	})

	_, err := client.ListProducts(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant 11")
}

func TestNextPage(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
	}{
		{name: "none", link: "", want: ""},
		{name: "next only", link: `<https://x/products.json?page_info=a>; rel="next"`, want: "https://x/products.json?page_info=a"},
		{
			name: "previous and next",
			link: `<https://x/products.json?page_info=p>; rel="previous", <https://x/products.json?page_info=n>; rel="next"`,
			want: "https://x/products.json?page_info=n",
		},
		{name: "previous only", link: `<https://x/products.json?page_info=p>; rel="previous"`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.link != "" {
				h.Set("Link", tt.link)
			}
			assert.Equal(t, tt.want, nextPage(h))
		})
	}
}

func TestPriceFormatting(t *testing.T) {
	assert.Equal(t, "47.00", FormatPrice(47))
	assert.Equal(t, "24.99", FormatPrice(24.99))
	assert.Equal(t, "0.10", FormatPrice(0.1))

	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "24.99", want: 24.99},
		{in: " 5 ", want: 5},
		{in: "", want: 0},
		{in: "null", want: 0},
		{in: "abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
