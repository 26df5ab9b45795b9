package store

// categoryStyle is the deterministic color/icon assigned to a category name
type categoryStyle struct {
	Color string
	Icon  string
}

var defaultStyle = categoryStyle{Color: "#6b7280", Icon: "tag"}

// categoryStyles is a fixed lookup so the same category name always renders
// the same way. Unknown names get the default style.
var categoryStyles = map[string]categoryStyle{
	"Business Revenue":      {Color: "#16a34a", Icon: "trending-up"},
	"Consulting Income":     {Color: "#15803d", Icon: "briefcase"},
	"Salary":                {Color: "#22c55e", Icon: "banknote"},
	"Interest Income":       {Color: "#4ade80", Icon: "percent"},
	"Food & Dining":         {Color: "#f97316", Icon: "utensils"},
	"Groceries":             {Color: "#fb923c", Icon: "shopping-cart"},
	"Transportation":        {Color: "#3b82f6", Icon: "car"},
	"Travel":                {Color: "#0ea5e9", Icon: "plane"},
	"Shopping":              {Color: "#a855f7", Icon: "shopping-bag"},
	"Entertainment":         {Color: "#ec4899", Icon: "film"},
	"Subscriptions":         {Color: "#8b5cf6", Icon: "repeat"},
	"Utilities":             {Color: "#eab308", Icon: "zap"},
	"Rent":                  {Color: "#f59e0b", Icon: "home"},
	"Insurance":             {Color: "#14b8a6", Icon: "shield"},
	"Healthcare":            {Color: "#ef4444", Icon: "heart-pulse"},
	"Software & Services":   {Color: "#6366f1", Icon: "monitor"},
	"Office Supplies":       {Color: "#78716c", Icon: "paperclip"},
	"Professional Services": {Color: "#0891b2", Icon: "scale"},
	"Marketing":             {Color: "#d946ef", Icon: "megaphone"},
	"Contractors":           {Color: "#059669", Icon: "hammer"},
	"Taxes":                 {Color: "#dc2626", Icon: "landmark"},
	"Bank Fees":             {Color: "#991b1b", Icon: "alert-circle"},
	"Transfers":             {Color: "#64748b", Icon: "arrow-left-right"},
	"Uncategorized Expense": {Color: "#9ca3af", Icon: "help-circle"},
}

// styleFor returns the deterministic style for a category name
func styleFor(name string) categoryStyle {
	if s, ok := categoryStyles[name]; ok {
		return s
	}
	return defaultStyle
}
