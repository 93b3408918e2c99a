package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// InvoiceLine is one printable row on an invoice document.
type InvoiceLine struct {
	Description string
	Amount      string
}

// InvoiceDocument carries the renderable fields of an invoice.
type InvoiceDocument struct {
	SchoolName    string
	InvoiceNumber string
	StudentName   string
	GradeLevel    string
	SchoolYear    string
	IssuedDate    string
	DueDate       string
	Status        string
	Lines         []InvoiceLine
	Total         string
	Paid          string
	Balance       string
}

// InvoicePDFExporter renders invoice documents with gofpdf.
type InvoicePDFExporter struct{}

// NewInvoicePDFExporter constructs the exporter.
func NewInvoicePDFExporter() *InvoicePDFExporter {
	return &InvoicePDFExporter{}
}

// Render produces a single-page PDF for the invoice.
func (e *InvoicePDFExporter) Render(doc InvoiceDocument) ([]byte, error) {
	if doc.InvoiceNumber == "" {
		return nil, fmt.Errorf("pdf requires an invoice number")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, doc.SchoolName, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 8, "STATEMENT OF ACCOUNT", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 10)
	left := [][2]string{
		{"Invoice No.", doc.InvoiceNumber},
		{"Student", doc.StudentName},
		{"Grade Level", doc.GradeLevel},
		{"School Year", doc.SchoolYear},
	}
	right := [][2]string{
		{"Issued", doc.IssuedDate},
		{"Due Date", doc.DueDate},
		{"Status", doc.Status},
	}
	for i := 0; i < len(left) || i < len(right); i++ {
		if i < len(left) {
			pdf.CellFormat(25, 6, left[i][0], "", 0, "", false, 0, "")
			pdf.CellFormat(65, 6, left[i][1], "", 0, "", false, 0, "")
		} else {
			pdf.CellFormat(90, 6, "", "", 0, "", false, 0, "")
		}
		if i < len(right) {
			pdf.CellFormat(25, 6, right[i][0], "", 0, "", false, 0, "")
			pdf.CellFormat(0, 6, right[i][1], "", 1, "", false, 0, "")
		} else {
			pdf.Ln(6)
		}
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(130, 8, "Description", "1", 0, "", false, 0, "")
	pdf.CellFormat(50, 8, "Amount", "1", 1, "R", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	for _, line := range doc.Lines {
		pdf.CellFormat(130, 7, line.Description, "1", 0, "", false, 0, "")
		pdf.CellFormat(50, 7, line.Amount, "1", 1, "R", false, 0, "")
	}

	pdf.SetFont("Arial", "B", 10)
	for _, row := range [][2]string{
		{"TOTAL", doc.Total},
		{"PAID", doc.Paid},
		{"BALANCE", doc.Balance},
	} {
		pdf.CellFormat(130, 7, row[0], "1", 0, "R", false, 0, "")
		pdf.CellFormat(50, 7, row[1], "1", 1, "R", false, 0, "")
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}
