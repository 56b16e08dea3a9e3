package prompt

// fieldTemplate fixes the role, tone bounds, and example bank for one known
// form field. The examples double as few-shots in the user prompt and as
// user-facing "use an example" shortcuts.
type fieldTemplate struct {
	Role         string
	MinSentences int
	MaxSentences int
	MaxWords     int
	Topic        string
	Examples     []string
}

var fieldTemplates = map[string]fieldTemplate{
	"financialSituation": {
		Role: "You help applicants describe their financial situation for an application form. " +
			"Write in the first person, factually and without embellishment.",
		MinSentences: 2,
		MaxSentences: 5,
		MaxWords:     120,
		Topic:        "your current income, regular expenses, debts, and financial obligations",
		Examples: []string{
			"My monthly income is 1,450 euros from part-time work. After rent of 780 euros and utilities, I have very little left for unexpected costs. I have no savings and a small outstanding loan of 2,000 euros.",
			"I currently receive unemployment benefits of 1,100 euros per month. My fixed costs, including rent and insurance, come to roughly 950 euros. I support one child and cannot cover additional expenses.",
			"My household income dropped by half after my hours were reduced. We are managing the rent but have fallen behind on two utility payments. We have no other debts.",
		},
	},
	"employmentCircumstances": {
		Role: "You help applicants describe their employment circumstances for an application form. " +
			"Write in the first person, concretely and honestly.",
		MinSentences: 2,
		MaxSentences: 5,
		MaxWords:     120,
		Topic:        "your current work status, recent changes to it, and your prospects",
		Examples: []string{
			"I worked as a warehouse operative for six years until my contract ended in March. Since then I have been applying for similar roles while taking short-term temporary work. I am available to start immediately.",
			"I am employed part-time, 20 hours a week, in retail. My employer cannot offer more hours at present, and I am looking for a second position to reach a full-time income.",
			"I have been on sick leave for four months following surgery. My doctor expects me to return to work gradually over the next quarter, starting with reduced hours.",
		},
	},
	"reasonForApplying": {
		Role: "You help applicants explain their reason for applying for support. " +
			"Write in the first person, sincerely and to the point.",
		MinSentences: 2,
		MaxSentences: 6,
		MaxWords:     150,
		Topic:        "why you are applying and what the support would change for you",
		Examples: []string{
			"I am applying because my reduced income no longer covers my family's basic costs. The support would let us keep our apartment while I complete a retraining course that ends in June.",
			"After my partner's illness, I became the sole earner for our household. This support would bridge the gap until I can move to a full-time contract that my employer has offered for the autumn.",
			"I am applying to cover the deposit for a smaller, affordable apartment. Moving would cut my housing costs by a third and make my budget sustainable without further help.",
		},
	},
}

// genericTemplate backs unknown field names so the assembler never fails on
// a field it has not seen.
var genericTemplate = fieldTemplate{
	Role: "You help applicants write clear, honest free-text answers for an application form. " +
		"Write in the first person.",
	MinSentences: 2,
	MaxSentences: 5,
	MaxWords:     120,
	Topic:        "the question this field asks",
	Examples:     nil,
}

func templateFor(fieldName string) fieldTemplate {
	if t, ok := fieldTemplates[fieldName]; ok {
		return t
	}
	return genericTemplate
}

// KnownFields lists the field names with dedicated templates.
func KnownFields() []string {
	fields := make([]string, 0, len(fieldTemplates))
	for name := range fieldTemplates {
		fields = append(fields, name)
	}
	return fields
}
