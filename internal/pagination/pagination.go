// Package pagination turns page and limit values into database offsets.
package pagination

// Params represents one page of a listing.
type Params struct {
	Page   int32 // Current page number (1-based)
	Limit  int32 // Number of items per page
	Offset int32 // Calculated offset for database queries
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 100
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 10
)

// calculateOffset computes the database offset for a given page and limit.
// It ensures page is at least 1 to avoid negative offsets.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// New validates page and limit, falling back to the defaults for values
// below 1 and capping the limit at MaxLimit.
func New(page, limit int) *Params {
	params := &Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}
	if page > 0 {
		params.Page = int32(min(page, 1<<24))
	}
	if limit > 0 {
		params.Limit = int32(min(limit, int(MaxLimit)))
	}
	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// HasNext determines if there are more items available after the current page.
func (p *Params) HasNext(count int32) bool {
	return int64(p.Offset)+int64(p.Limit) < int64(count)
}
