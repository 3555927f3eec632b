package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Veraticus/the-price-must-flow/internal/model"
)

// inventoryBatch is the Admin API cap on ids per inventory_items request.
const inventoryBatch = 100

type productPage struct {
	Products []product `json:"products"`
}

type product struct {
	Title       string    `json:"title"`
	Vendor      string    `json:"vendor"`
	ProductType string    `json:"product_type"`
	Status      string    `json:"status"`
	BodyHTML    string    `json:"body_html"`
	Tags        string    `json:"tags"`
	Variants    []variant `json:"variants"`
	ID          int64     `json:"id"`
}

type variant struct {
	Title           string  `json:"title"`
	SKU             string  `json:"sku"`
	Price           string  `json:"price"`
	CompareAtPrice  *string `json:"compare_at_price"`
	ID              int64   `json:"id"`
	ProductID       int64   `json:"product_id"`
	InventoryItemID int64   `json:"inventory_item_id"`
}

type inventoryPage struct {
	InventoryItems []struct {
		Cost *string `json:"cost"`
		ID   int64   `json:"id"`
	} `json:"inventory_items"`
}

// ListProducts implements service.ProductSource. It follows Link header
// pagination to the end and fills in unit costs from inventory items.
func (c *Client) ListProducts(ctx context.Context) ([]model.Product, error) {
	next := c.endpoint("/products.json", url.Values{"limit": {strconv.Itoa(c.pageSize)}})

	var (
		products []model.Product
		costOf   = make(map[int64][]*model.Variant)
		raw      []product
	)
	for page := 1; next != ""; page++ {
		body, header, err := c.do(ctx, "GET", next, nil)
		if err != nil {
			return nil, fmt.Errorf("list products page %d: %w", page, err)
		}
		var p productPage
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("failed to decode products page %d: %w", page, err)
		}
		raw = append(raw, p.Products...)
		next = nextPage(header)
		c.logger.Debug("fetched product page", "page", page, "products", len(p.Products))
	}

	products = make([]model.Product, 0, len(raw))
	for _, rp := range raw {
		mp, err := convertProduct(rp)
		if err != nil {
			return nil, err
		}
		products = append(products, mp)
	}
	for i := range products {
		for j, rv := range raw[i].Variants {
			if rv.InventoryItemID != 0 {
				costOf[rv.InventoryItemID] = append(costOf[rv.InventoryItemID], &products[i].Variants[j])
			}
		}
	}

	if err := c.fillCosts(ctx, costOf); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) fillCosts(ctx context.Context, costOf map[int64][]*model.Variant) error {
	ids := make([]string, 0, len(costOf))
	for id := range costOf {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	for start := 0; start < len(ids); start += inventoryBatch {
		end := min(start+inventoryBatch, len(ids))
		endpoint := c.endpoint("/inventory_items.json", url.Values{
			"ids":   {strings.Join(ids[start:end], ",")},
			"limit": {strconv.Itoa(inventoryBatch)},
		})
		body, _, err := c.do(ctx, "GET", endpoint, nil)
		if err != nil {
			return fmt.Errorf("list inventory items: %w", err)
		}
		var page inventoryPage
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("failed to decode inventory items: %w", err)
		}
		for _, item := range page.InventoryItems {
			if item.Cost == nil {
				continue
			}
			cost, err := ParsePrice(*item.Cost)
			if err != nil {
				return fmt.Errorf("inventory item %d: %w", item.ID, err)
			}
			for _, v := range costOf[item.ID] {
				v.Cost = cost
			}
		}
	}
	return nil
}

func convertProduct(p product) (model.Product, error) {
	mp := model.Product{
		ID:          strconv.FormatInt(p.ID, 10),
		Title:       p.Title,
		Vendor:      p.Vendor,
		ProductType: p.ProductType,
		Status:      model.ProductStatus(strings.ToLower(p.Status)),
		Description: plainText(p.BodyHTML),
		Tags:        splitTags(p.Tags),
	}
	for _, v := range p.Variants {
		price, err := ParsePrice(v.Price)
		if err != nil {
			return model.Product{}, fmt.Errorf("variant %d: %w", v.ID, err)
		}
		var compareAt float64
		if v.CompareAtPrice != nil {
			if compareAt, err = ParsePrice(*v.CompareAtPrice); err != nil {
				return model.Product{}, fmt.Errorf("variant %d compare-at: %w", v.ID, err)
			}
		}
		mp.Variants = append(mp.Variants, model.Variant{
			ID:             strconv.FormatInt(v.ID, 10),
			ProductID:      mp.ID,
			Title:          v.Title,
			SKU:            v.SKU,
			CurrentPrice:   price,
			CompareAtPrice: compareAt,
		})
	}
	return mp, nil
}

// plainText flattens product HTML into whitespace-normalized text.
func plainText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func splitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
