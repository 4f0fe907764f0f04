package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/classifier.txt
	classifierRaw string

	//go:embed template/general.txt
	generalRaw string

	//go:embed template/product.txt
	productRaw string

	//go:embed template/logistics.txt
	logisticsRaw string

	//go:embed template/complaint.txt
	complaintRaw string

	//go:embed template/bargain.txt
	bargainRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Classifier string
	General    string
	Product    string
	Logistics  string
	Complaint  string
	Bargain    string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Classifier: strings.TrimSpace(classifierRaw),
		General:    strings.TrimSpace(generalRaw),
		Product:    strings.TrimSpace(productRaw),
		Logistics:  strings.TrimSpace(logisticsRaw),
		Complaint:  strings.TrimSpace(complaintRaw),
		Bargain:    strings.TrimSpace(bargainRaw),
	}
}
