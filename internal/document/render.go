package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"

	"atlas.org/internal/serviceorder"
)

// Renderer turns a snapshot into PDF bytes. Equal snapshots must render to
// equal bytes.
type Renderer interface {
	Render(s *Snapshot) ([]byte, error)
}

// Page geometry in millimetres.
const (
	marginLeft   = 30.0
	marginTop    = 30.0
	marginRight  = 20.0
	marginBottom = 20.0
	headerHeight = 18.0
	footerHeight = 25.0
	logoSize     = 12.0
	qrSize       = 18.0
	cellPad      = 1.0
	lineHeight   = 4.0
	rowPad       = 1.0

	footerURLLines = 2
	footerURLLineH = 2.5
	minFontSize    = 4.0
)

const (
	fontFamily = "Helvetica"
	qrImage    = "qr"
	logoImage  = "logo"
	emDash     = "—"
)

// PDFRenderer lays out an A4 service order document.
type PDFRenderer struct {
	loc      *time.Location
	logo     []byte
	logoType string
}

// NewPDFRenderer loads the optional logo. Timestamps are printed in loc.
func NewPDFRenderer(loc *time.Location, logoPath string) (*PDFRenderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &PDFRenderer{loc: loc}
	if logoPath == "" {
		return r, nil
	}
	typ := strings.ToUpper(strings.TrimPrefix(filepath.Ext(logoPath), "."))
	if typ == "JPEG" {
		typ = "JPG"
	}
	if typ != "PNG" && typ != "JPG" {
		return nil, fmt.Errorf("logo %s: unsupported image type", logoPath)
	}
	b, err := os.ReadFile(logoPath)
	if err != nil {
		return nil, fmt.Errorf("read logo: %w", err)
	}
	r.logo, r.logoType = b, typ
	return r, nil
}

func (r *PDFRenderer) Render(s *Snapshot) ([]byte, error) {
	qr, err := qrcode.Encode(s.VerificationURL, qrcode.Low, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	d := &page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), snap: s, loc: r.loc, hasLogo: r.logo != nil, logoType: r.logoType}

	pdf.SetCreationDate(s.IssuedAt)
	pdf.SetModificationDate(s.IssuedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Ordem de Serviço "+formatNumero(s.Order.Numero), true)
	pdf.SetSubject(s.Code, true)
	pdf.SetCreator("Sistema Atlas", true)

	pdf.SetMargins(marginLeft, marginTop+headerHeight, marginRight)
	pdf.SetAutoPageBreak(true, marginBottom+footerHeight)
	pdf.SetCellMargin(cellPad)
	pdf.AliasNbPages("")

	pdf.RegisterImageOptionsReader(qrImage, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qr))
	if d.hasLogo {
		pdf.RegisterImageOptionsReader(logoImage, fpdf.ImageOptions{ImageType: r.logoType}, bytes.NewReader(r.logo))
	}
	pdf.SetHeaderFunc(d.header)
	pdf.SetFooterFunc(d.footer)

	pdf.AddPage()
	d.titleBlock()
	d.generalInfo()
	d.beneficiaries()
	d.services()
	d.expenses()
	d.financialSummary()
	d.notes()

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// page holds the per-document drawing state. All text passes through tr so the
// core fonts receive cp1252 bytes.
type page struct {
	pdf      *fpdf.Fpdf
	tr       func(string) string
	snap     *Snapshot
	loc      *time.Location
	hasLogo  bool
	logoType string
}

func (d *page) contentWidth() float64 {
	w, _ := d.pdf.GetPageSize()
	return w - marginLeft - marginRight
}

// breakY is the lowest y content may reach before the footer.
func (d *page) breakY() float64 {
	_, h := d.pdf.GetPageSize()
	return h - marginBottom - footerHeight
}

func (d *page) ensureSpace(h float64) {
	if d.pdf.GetY()+h > d.breakY() {
		d.pdf.AddPage()
	}
}

func (d *page) header() {
	pdf := d.pdf
	w := d.contentWidth()
	if d.hasLogo {
		pdf.ImageOptions(logoImage, marginLeft, marginTop, logoSize, 0, false, fpdf.ImageOptions{ImageType: d.logoType}, 0, "")
	}
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont(fontFamily, "B", 11)
	pdf.SetXY(marginLeft, marginTop+1)
	pdf.CellFormat(w, 5, d.tr("ORDEM DE SERVIÇOS"), "", 0, "R", false, 0, "")
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetXY(marginLeft, marginTop+5)
	pdf.CellFormat(w, 5, d.tr("nº "+formatNumero(d.snap.Order.Numero)), "", 0, "R", false, 0, "")

	y := marginTop + headerHeight - 3
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.2)
	pdf.Line(marginLeft, y, marginLeft+w, y)
	pdf.SetXY(marginLeft, marginTop+headerHeight)
}

func (d *page) footer() {
	pdf := d.pdf
	w := d.contentWidth()
	top := d.breakY()
	textW := w - qrSize - 2

	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.2)
	pdf.Line(marginLeft, top, marginLeft+w, top)
	pdf.ImageOptions(qrImage, marginLeft+w-qrSize, top+(footerHeight-qrSize)/2, qrSize, qrSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")

	pdf.SetFont(fontFamily, "", 7)
	pdf.SetTextColor(153, 153, 153)
	pdf.SetXY(marginLeft, top+3)
	pdf.CellFormat(w, 3, d.tr("Documento gerado automaticamente pelo Sistema Atlas"), "", 0, "C", false, 0, "")

	pdf.SetFont(fontFamily, "B", 7)
	pdf.SetTextColor(51, 51, 51)
	pdf.SetXY(marginLeft, top+8)
	pdf.CellFormat(textW, 3, d.tr("Documento: "+d.snap.Code), "", 0, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 6)
	pdf.SetTextColor(102, 102, 102)
	for i, l := range d.fitLines("Validação: "+d.snap.VerificationURL, textW, footerURLLines) {
		pdf.SetXY(marginLeft, top+12+float64(i)*footerURLLineH)
		pdf.CellFormat(textW, footerURLLineH, l, "", 0, "L", false, 0, "")
	}

	pdf.SetFont(fontFamily, "", 7)
	pdf.SetTextColor(51, 51, 51)
	pdf.SetXY(marginLeft, top+footerHeight-7)
	pdf.CellFormat(w, 3, d.tr(fmt.Sprintf("Página %d de {nb}", pdf.PageNo())), "", 0, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
}

func (d *page) titleBlock() {
	o := d.snap.Order
	half := d.contentWidth() / 2
	d.fieldRow(
		field{label: "Colaborador", value: o.Colaborador},
		field{label: "Status", value: o.Status.Display(), right: true},
		half,
	)
	d.fieldRow(
		field{label: "Data de Emissão", value: formatDateTime(d.snap.IssuedAt, d.loc)},
		field{label: "Data de Abertura", value: formatDate(o.DataAbertura), right: true},
		half,
	)
	d.pdf.Ln(4)
}

func (d *page) generalInfo() {
	o := d.snap.Order
	half := d.contentWidth() / 2
	d.section("INFORMAÇÕES GERAIS")
	d.fieldRow(field{label: "Contrato", value: o.ContractNumber}, field{label: "Solicitante", value: o.RequesterUser}, half)
	d.fieldRow(field{label: "Contratante", value: o.ContractorName}, field{label: "Empresa Solicitante", value: o.RequesterName}, half)
	d.fieldRow(field{label: "Faturamento", value: o.PayerName}, field{}, half)
	d.pdf.Ln(3)
}

func (d *page) beneficiaries() {
	if len(d.snap.Beneficiaries) == 0 {
		return
	}
	cols := []column{
		{title: "Nome Completo", width: 60, align: "L"},
		{title: "Tipo", width: 25, align: "L"},
		{title: "Documento", width: 35, align: "L"},
		{title: "Responsável", width: 40, align: "L"},
	}
	rows := make([][]string, 0, len(d.snap.Beneficiaries))
	for _, b := range d.snap.Beneficiaries {
		resp := orDash(b.Responsible)
		if b.Kind == serviceorder.BeneficiaryTitular {
			resp = emDash
		}
		rows = append(rows, []string{orDash(b.Name), orDash(b.Kind), orDash(b.Document), resp})
	}
	d.section("BENEFICIÁRIOS")
	d.table(cols, rows)
	d.pdf.Ln(3)
}

func (d *page) services() {
	d.section("SERVIÇOS")
	if len(d.snap.Items) == 0 {
		d.empty("Nenhum serviço cadastrado.")
		return
	}
	cols := []column{
		{title: "#", width: 8, align: "C"},
		{title: "Descrição", width: 77, align: "L"},
		{title: "Qtd", width: 12, align: "C"},
		{title: "Valor Unit.", width: 32, align: "R"},
		{title: "Subtotal", width: 32, align: "R"},
	}
	rows := make([][]string, 0, len(d.snap.Items))
	for i, it := range d.snap.Items {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			truncate(orDash(it.Description), 100),
			strconv.Itoa(it.Quantity),
			it.UnitPrice.BRL(),
			it.Subtotal.BRL(),
		})
	}
	d.table(cols, rows)
	d.pdf.Ln(3)
}

func (d *page) expenses() {
	d.section("DESPESAS")
	if len(d.snap.Expenses) == 0 {
		d.empty("Nenhuma despesa cadastrada.")
		return
	}
	cols := []column{
		{title: "#", width: 8, align: "C"},
		{title: "Descrição", width: 117, align: "L"},
		{title: "Valor", width: 36, align: "R"},
	}
	rows := make([][]string, 0, len(d.snap.Expenses))
	for i, e := range d.snap.Expenses {
		rows = append(rows, []string{strconv.Itoa(i + 1), truncate(orDash(e.Description), 120), e.Value.BRL()})
	}
	d.table(cols, rows)
	d.pdf.Ln(3)
}

func (d *page) financialSummary() {
	pdf := d.pdf
	t := d.snap.Totals
	valueW := 45.0
	labelW := d.contentWidth() - valueW

	d.section("RESUMO FINANCEIRO")
	d.ensureSpace(3*(lineHeight+2) + 2)
	line := func(label string, m serviceorder.Money, style string) {
		pdf.SetFont(fontFamily, style, 9)
		pdf.SetX(marginLeft)
		pdf.CellFormat(labelW, lineHeight+2, d.tr(label), "", 0, "R", false, 0, "")
		pdf.CellFormat(valueW, lineHeight+2, d.tr(m.BRL()), "", 1, "R", false, 0, "")
	}
	line("Total de Serviços:", t.Services, "")
	line("Total de Despesas:", t.Expenses, "")
	y := pdf.GetY() + 0.5
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.3)
	pdf.Line(marginLeft+labelW, y, marginLeft+labelW+valueW, y)
	pdf.Ln(1)
	line("VALOR TOTAL:", t.Total, "B")
	pdf.Ln(3)
}

func (d *page) notes() {
	obs := strings.TrimSpace(d.snap.Order.Observacao)
	if obs == "" {
		return
	}
	d.section("OBSERVAÇÕES")
	d.pdf.SetFont(fontFamily, "", 9)
	for _, l := range d.wrap(obs, d.contentWidth()) {
		d.ensureSpace(lineHeight)
		d.pdf.SetX(marginLeft)
		d.pdf.CellFormat(0, lineHeight, l, "", 1, "L", false, 0, "")
	}
}

// section prints a heading and keeps it on the same page as a few lines of
// its content.
func (d *page) section(title string) {
	d.ensureSpace(6 + 4*lineHeight)
	d.pdf.SetFont(fontFamily, "B", 10)
	d.pdf.SetTextColor(0, 0, 0)
	d.pdf.SetX(marginLeft)
	d.pdf.CellFormat(0, 6, d.tr(title), "", 1, "L", false, 0, "")
	d.pdf.Ln(1)
}

func (d *page) empty(msg string) {
	d.pdf.SetFont(fontFamily, "I", 9)
	d.pdf.SetTextColor(102, 102, 102)
	d.pdf.SetX(marginLeft)
	d.pdf.CellFormat(0, lineHeight+2, d.tr(msg), "", 1, "L", false, 0, "")
	d.pdf.SetTextColor(0, 0, 0)
	d.pdf.Ln(3)
}

type field struct {
	label string
	value string
	right bool
}

// fieldRow prints two labelled values side by side, each in a column of width w.
func (d *page) fieldRow(left, right field, w float64) {
	y := d.pdf.GetY()
	hl := d.field(marginLeft, y, w, left)
	hr := d.field(marginLeft+w, y, w, right)
	d.pdf.SetXY(marginLeft, y+max(hl, hr))
}

func (d *page) field(x, y, w float64, f field) float64 {
	if f.label == "" {
		return 0
	}
	pdf := d.pdf
	label := d.tr(f.label + ":")
	pdf.SetFont(fontFamily, "B", 9)
	lw := pdf.GetStringWidth(label) + 2*cellPad

	if f.right {
		value := d.tr(orDash(f.value))
		pdf.SetFont(fontFamily, "", 9)
		vw := pdf.GetStringWidth(value) + 2*cellPad
		start := x + w - lw - vw
		if start < x {
			start = x
		}
		pdf.SetFont(fontFamily, "B", 9)
		pdf.SetXY(start, y)
		pdf.CellFormat(lw, lineHeight+1, label, "", 0, "L", false, 0, "")
		pdf.SetFont(fontFamily, "", 9)
		pdf.CellFormat(vw, lineHeight+1, value, "", 0, "L", false, 0, "")
		return lineHeight + 1
	}

	pdf.SetXY(x, y)
	pdf.CellFormat(lw, lineHeight+1, label, "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 9)
	lines := d.wrap(orDash(f.value), w-lw)
	for i, l := range lines {
		pdf.SetXY(x+lw, y+float64(i)*(lineHeight+1))
		pdf.CellFormat(w-lw, lineHeight+1, l, "", 0, "L", false, 0, "")
	}
	return float64(len(lines)) * (lineHeight + 1)
}

type column struct {
	title string
	width float64
	align string
}

// table draws a grid and repeats the header row on every page it spans.
func (d *page) table(cols []column, rows [][]string) {
	titles := make([]string, len(cols))
	for i, c := range cols {
		titles[i] = c.title
	}
	headH := d.rowHeight(cols, titles, "B")
	first := 0.0
	if len(rows) > 0 {
		first = d.rowHeight(cols, rows[0], "")
	}
	d.ensureSpace(headH + first)
	d.row(cols, titles, true)
	for _, r := range rows {
		h := d.rowHeight(cols, r, "")
		if d.pdf.GetY()+h > d.breakY() {
			d.pdf.AddPage()
			d.row(cols, titles, true)
		}
		d.row(cols, r, false)
	}
}

func (d *page) rowHeight(cols []column, cells []string, style string) float64 {
	d.pdf.SetFont(fontFamily, style, 8)
	n := 1
	for i, c := range cols {
		if l := len(d.wrap(cells[i], c.width)); l > n {
			n = l
		}
	}
	return float64(n)*lineHeight + 2*rowPad
}

func (d *page) row(cols []column, cells []string, head bool) {
	pdf := d.pdf
	style, rect := "", "D"
	if head {
		style, rect = "B", "FD"
	}
	h := d.rowHeight(cols, cells, style)
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetFillColor(245, 245, 245)
	pdf.SetLineWidth(0.3)
	pdf.SetTextColor(0, 0, 0)

	x, y := marginLeft, pdf.GetY()
	for i, c := range cols {
		pdf.Rect(x, y, c.width, h, rect)
		for j, l := range d.wrap(cells[i], c.width) {
			pdf.SetXY(x, y+rowPad+float64(j)*lineHeight)
			pdf.CellFormat(c.width, lineHeight, l, "", 0, c.align, false, 0, "")
		}
		x += c.width
	}
	pdf.SetXY(marginLeft, y+h)
}

// wrap translates text and breaks it into lines that fit width with the
// current font. Words wider than a line are split.
func (d *page) wrap(text string, width float64) []string {
	avail := width - 2*cellPad
	var lines []string
	for _, para := range strings.Split(d.tr(text), "\n") {
		cur := ""
		for _, w := range strings.Split(para, " ") {
			if w == "" {
				continue
			}
			for len(w) > 1 && d.pdf.GetStringWidth(w) > avail {
				if cur != "" {
					lines = append(lines, cur)
					cur = ""
				}
				n := d.fit(w, avail)
				lines = append(lines, w[:n])
				w = w[n:]
			}
			next := w
			if cur != "" {
				next = cur + " " + w
			}
			if d.pdf.GetStringWidth(next) <= avail {
				cur = next
				continue
			}
			lines = append(lines, cur)
			cur = w
		}
		lines = append(lines, cur)
	}
	return lines
}

// fitLines breaks text at any character into at most maxLines lines of
// width, stepping the current font size down to minFontSize first and
// truncating the last line with an ellipsis after that. The font size is left
// at the chosen value.
func (d *page) fitLines(text string, width float64, maxLines int) []string {
	text = d.tr(text)
	avail := width - 2*cellPad
	size, _ := d.pdf.GetFontSize()
	lines := d.chunk(text, avail)
	for len(lines) > maxLines && size > minFontSize {
		size = max(size-0.5, minFontSize)
		d.pdf.SetFontSize(size)
		lines = d.chunk(text, avail)
	}
	if len(lines) <= maxLines {
		return lines
	}
	const ellipsis = "..."
	lines = lines[:maxLines]
	last := lines[maxLines-1]
	lines[maxLines-1] = last[:d.fit(last, avail-d.pdf.GetStringWidth(ellipsis))] + ellipsis
	return lines
}

// chunk splits already translated text into runs no wider than avail.
func (d *page) chunk(s string, avail float64) []string {
	var (
		out   []string
		start int
		w     float64
	)
	for i := 0; i < len(s); i++ {
		cw := d.pdf.GetStringWidth(s[i : i+1])
		if w+cw > avail && i > start {
			out = append(out, s[start:i])
			start, w = i, 0
		}
		w += cw
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// fit returns how many leading bytes of s fit in avail. Translated text is
// single-byte so any byte offset is a character boundary.
func (d *page) fit(s string, avail float64) int {
	n := len(s)
	for n > 1 && d.pdf.GetStringWidth(s[:n]) > avail {
		n--
	}
	return n
}
