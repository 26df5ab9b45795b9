package extract

const extractionSystemPrompt = "You are a bank statement extraction engine. " +
	"Return ONLY valid JSON matching the requested shape. Do not explain your reasoning."

const pagePrompt = `Extract every transaction line item from this single bank statement page.

Return JSON with this exact shape:
{
  "transaction_count": <number of transactions you found on this page>,
  "bank_info": {
    "bank_name": "...",
    "account_number": "...",
    "statement_period": "...",
    "period_start": "YYYY-MM-DD",
    "period_end": "YYYY-MM-DD",
    "beginning_balance": <number or null>,
    "ending_balance": <number or null>
  },
  "transactions": [
    {"date": "YYYY-MM-DD", "description": "...", "amount": <signed number>, "type": "credit|debit", "category": "..."}
  ]
}

RULES:
1. Amounts are signed: deposits and credits are positive, withdrawals and debits are negative.
2. Do NOT include "Beginning Balance" or "Ending Balance" lines as transactions.
3. Do NOT include page subtotals, daily balance columns or running balances as transactions.
4. transaction_count must equal the length of the transactions array.
5. Include every line item, even small fees and interest entries.
6. Only fill bank_info fields that are visible on this page; omit the rest.`

const documentTextPrompt = `Extract every transaction from the following bank statement text.

Return JSON with this exact shape:
{
  "bank_info": {
    "bank_name": "...",
    "account_number": "...",
    "statement_period": "...",
    "period_start": "YYYY-MM-DD",
    "period_end": "YYYY-MM-DD",
    "beginning_balance": <number or null>,
    "ending_balance": <number or null>
  },
  "transactions": [
    {"date": "YYYY-MM-DD", "description": "...", "amount": <signed number>, "type": "credit|debit", "category": "..."}
  ]
}

RULES:
1. Amounts are signed: deposits and credits are positive, withdrawals and debits are negative.
2. Do NOT include "Beginning Balance" or "Ending Balance" lines as transactions.
3. Include every line item.

STATEMENT TEXT:
`

const documentPDFPrompt = `Extract every transaction from the attached bank statement PDF.

Return JSON with this exact shape:
{
  "bank_info": {
    "bank_name": "...",
    "account_number": "...",
    "statement_period": "...",
    "period_start": "YYYY-MM-DD",
    "period_end": "YYYY-MM-DD",
    "beginning_balance": <number or null>,
    "ending_balance": <number or null>
  },
  "transactions": [
    {"date": "YYYY-MM-DD", "description": "...", "amount": <signed number>, "type": "credit|debit", "category": "..."}
  ]
}

RULES:
1. Amounts are signed: deposits and credits are positive, withdrawals and debits are negative.
2. Do NOT include "Beginning Balance" or "Ending Balance" lines as transactions.
3. Include every line item from every page.`

const csvPrompt = `Parse the following CSV bank statement export.

Return JSON with this exact shape:
{
  "column_mapping": {"date": "<source column>", "description": "<source column>", "amount": "<source column>"},
  "bank_info": {
    "bank_name": "...",
    "account_number": "...",
    "statement_period": "..."
  },
  "transactions": [
    {"date": "YYYY-MM-DD", "description": "...", "amount": <signed number>, "type": "credit|debit", "category": "..."}
  ]
}

RULES:
1. Detect which columns hold the date, description and amount, and report them in column_mapping.
2. If the export uses separate debit and credit columns, merge them into one signed amount: credits positive, debits negative.
3. Skip header rows and summary rows.

CSV CONTENT:
`
