// Package usage holds the account usage report model and turns reports into
// markdown issue comments.
package usage

// Report is one row of the account usage report: purchased and used
// quantities per product for a single customer opportunity. Counts are nil
// when the report has no value for them.
type Report struct {
	ProductName string `json:"product_name"`

	MapViewsPurchased   *int64   `json:"mapviews_purchased"`
	MapViewsUsed        *int64   `json:"mapviews_used"`
	PercentMapViewsUsed *float64 `json:"percent_map_views_used"`

	TempGeocodesPurchased   *int64   `json:"temp_geocodes_purchased"`
	TempGeocodesUsed        *int64   `json:"temp_geocodes_used"`
	PercentTempGeocodesUsed *float64 `json:"percent_temp_geocodes_used"`

	PermGeocodesPurchased   *int64   `json:"perm_geocodes_purchased"`
	PermGeocodesUsed        *int64   `json:"perm_geocode_used"` // singular in the report schema
	PercentPermGeocodesUsed *float64 `json:"percent_perm_geocodes_used"`

	DirectionsPurchased   *int64   `json:"directions_purchased"`
	DirectionsUsed        *int64   `json:"directions_used"`
	PercentDirectionsUsed *float64 `json:"percent_directions_used"`
}

// Category is the usage of a single product.
type Category struct {
	Name        string
	Purchased   *int64
	Used        *int64
	PercentUsed *float64
}

// Product names, in table order.
const (
	MapViews          = "Map Views"
	TemporaryGeocodes = "Temporary Geocodes"
	PermanentGeocodes = "Permanent Geocodes"
	Directions        = "Directions"
)

// Categories returns the four product categories in table order.
func (r *Report) Categories() []Category {
	return []Category{
		{Name: MapViews, Purchased: r.MapViewsPurchased, Used: r.MapViewsUsed, PercentUsed: r.PercentMapViewsUsed},
		{Name: TemporaryGeocodes, Purchased: r.TempGeocodesPurchased, Used: r.TempGeocodesUsed, PercentUsed: r.PercentTempGeocodesUsed},
		{Name: PermanentGeocodes, Purchased: r.PermGeocodesPurchased, Used: r.PermGeocodesUsed, PercentUsed: r.PercentPermGeocodesUsed},
		{Name: Directions, Purchased: r.DirectionsPurchased, Used: r.DirectionsUsed, PercentUsed: r.PercentDirectionsUsed},
	}
}

// NotApplicable reports whether the category was never purchased and has
// no usage: a nil purchased count with a used count of exactly zero.
func (c Category) NotApplicable() bool {
	return c.Purchased == nil && c.Used != nil && *c.Used == 0
}
